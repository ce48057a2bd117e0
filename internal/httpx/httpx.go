// Package httpx holds the JSON envelope and error translation shared by
// every handler package.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/domain"
)

// JSON writes the standard success envelope.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// Fail writes an error body with an explicit status.
func Fail(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"message": message},
	})
}

// Error maps a service error to an HTTP response. 4xx bodies carry the
// error text; anything unrecognized is a 500 with an opaque message.
func Error(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		failIndexed(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrValidation):
		failIndexed(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrUnauthorized):
		Fail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrUpstream):
		// upstream callers already degraded to empty results; reaching
		// here means the contract could not be fulfilled at all
		Fail(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		Fail(w, http.StatusInternalServerError, "internal error")
	}
}

// failIndexed includes the zero-based row index for batch failures.
func failIndexed(w http.ResponseWriter, status int, err error) {
	body := map[string]interface{}{"message": err.Error()}
	if idx := domain.IndexOf(err); idx >= 0 {
		body["index"] = idx
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// Decode reads a JSON request body into dst with a sane size cap.
func Decode(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
