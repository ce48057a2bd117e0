// Package handlers exposes the brokerage event endpoints: single event,
// bulk import, filtered listing, batch patch and delete.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/httpx"
	"github.com/finledger/finledger/internal/modules/brokerage"
)

// Handler holds the event processor and the read-side repository.
type Handler struct {
	processor *brokerage.Processor
	events    *brokerage.EventRepository
	log       zerolog.Logger
}

// NewHandler creates a brokerage handler.
func NewHandler(processor *brokerage.Processor, events *brokerage.EventRepository, log zerolog.Logger) *Handler {
	return &Handler{
		processor: processor,
		events:    events,
		log:       log.With().Str("handler", "brokerage").Logger(),
	}
}

type eventRequest struct {
	BrokerageAccountID string `json:"brokerage_account_id"`
	brokerage.EventInput
}

// HandleCreateEvent records one brokerage event and returns everything
// it produced: the event, the updated holding, the ledger row and the
// realized gain when one applies.
// POST /wallet/brokerage/event
func (h *Handler) HandleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.processor.ProcessEvent(r.Context(), httpx.UserID(r), req.BrokerageAccountID, req.EventInput, true)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type importRequest struct {
	BrokerageAccountID string                 `json:"brokerage_account_id"`
	Events             []brokerage.EventInput `json:"events"`
}

// HandleImportEvents bulk-loads events without ledger side effects.
// Rows fail independently; the response counts both outcomes.
// POST /wallet/brokerage/events/import
func (h *Handler) HandleImportEvents(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.processor.ImportEvents(r.Context(), httpx.UserID(r), req.BrokerageAccountID, req.Events)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// HandleListEvents returns a filtered page of the user's events with
// per-currency invested/divested/dividend sums.
// GET /wallet/brokerage/events
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	filter := brokerage.EventFilter{
		UserID:             httpx.UserID(r),
		BrokerageAccountID: q.Get("brokerage_account_id"),
		Kind:               q.Get("kind"),
		Currency:           q.Get("currency"),
		DateFrom:           q.Get("date_from"),
		DateTo:             q.Get("date_to"),
		Query:              q.Get("q"),
		Page:               page,
		Size:               size,
	}

	list, err := h.events.List(r.Context(), filter)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

type patchRequest struct {
	Patches []brokerage.EventPatch `json:"patches"`
}

// HandlePatchEvents edits events in bulk and rebuilds every holding the
// edits touched. All-or-nothing.
// PATCH /wallet/brokerage/events/batch
func (h *Handler) HandlePatchEvents(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.processor.PatchEvents(r.Context(), httpx.UserID(r), req.Patches)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type deleteResponse struct {
	Holding *brokerage.Holding `json:"holding"`
}

// HandleDeleteEvent removes one event and replays the rest of that
// position's log. The response carries the rebuilt holding, null when
// the position closed.
// DELETE /wallet/brokerage/events/{event_id}
func (h *Handler) HandleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")

	holding, err := h.processor.DeleteEvent(r.Context(), httpx.UserID(r), eventID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, deleteResponse{Holding: holding})
}

// RegisterRoutes mounts the brokerage endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/brokerage/event", h.HandleCreateEvent)
	r.Post("/brokerage/events/import", h.HandleImportEvents)
	r.Get("/brokerage/events", h.HandleListEvents)
	r.Patch("/brokerage/events/batch", h.HandlePatchEvents)
	r.Delete("/brokerage/events/{event_id}", h.HandleDeleteEvent)
}
