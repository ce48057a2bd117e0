package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/finledger/finledger/internal/domain"
)

const (
	navigateTimeout = 30 * time.Second
	evaluateTimeout = 10 * time.Second
	// full-page HTML easily exceeds the websocket default read limit
	cdpReadLimit = 16 << 20
)

// BrowserProvider renders a client-side vendor page in a headless Chrome
// reachable over the DevTools protocol, then feeds the rendered HTML
// through the same table extraction as the plain provider.
type BrowserProvider struct {
	cfg         ProviderConfig
	devtoolsURL string
	client      *http.Client
	loc         *time.Location
	log         zerolog.Logger
}

// NewBrowserProvider creates a provider that renders cfg.PageURL via the
// DevTools endpoint (e.g. http://127.0.0.1:9222).
func NewBrowserProvider(cfg ProviderConfig, devtoolsURL string, loc *time.Location, log zerolog.Logger) *BrowserProvider {
	if cfg.Kind == "" {
		cfg.Kind = "browser"
	}
	if cfg.Columns == nil {
		cfg.Columns = defaultColumns()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &BrowserProvider{
		cfg:         cfg,
		devtoolsURL: strings.TrimRight(devtoolsURL, "/"),
		client:      &http.Client{Timeout: 15 * time.Second},
		loc:         loc,
		log:         log.With().Str("component", "browser_provider").Str("market", cfg.MarketKey).Logger(),
	}
}

// Config returns the provider configuration.
func (p *BrowserProvider) Config() ProviderConfig { return p.cfg }

// Rows renders the page and extracts the quote table.
func (p *BrowserProvider) Rows(ctx context.Context) ([]Row, error) {
	if p.cfg.PageURL == "" {
		return nil, domain.Validationf("no page url configured for market %s", p.cfg.MarketKey)
	}
	if p.devtoolsURL == "" {
		return nil, domain.Validationf("no devtools endpoint configured")
	}

	pageHTML, err := p.renderPage(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := quoteRows(strings.NewReader(pageHTML), p.cfg.Columns, p.loc, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to extract quotes from %s: %w", p.cfg.MarketKey, err)
	}

	p.log.Debug().Int("rows", len(rows)).Msg("Rendered page parsed")
	return rows, nil
}

// devtoolsTarget is the subset of the /json/new response we need.
type devtoolsTarget struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// renderPage opens a fresh browser target, navigates it to the vendor
// page, waits for the load event and returns the rendered document. The
// target is closed on every exit path.
func (p *BrowserProvider) renderPage(ctx context.Context) (string, error) {
	target, err := p.openTarget(ctx)
	if err != nil {
		return "", err
	}
	defer p.closeTarget(target.ID)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to dial devtools target: %w", err)
	}
	conn.SetReadLimit(cdpReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	session := &cdpSession{conn: conn}

	if _, err := session.call(ctx, 1, "Page.enable", nil); err != nil {
		return "", err
	}

	navCtx, cancelNav := context.WithTimeout(ctx, navigateTimeout)
	defer cancelNav()
	if _, err := session.call(navCtx, 2, "Page.navigate", map[string]string{"url": p.cfg.PageURL}); err != nil {
		return "", err
	}
	if err := session.waitEvent(navCtx, "Page.loadEventFired"); err != nil {
		return "", fmt.Errorf("page load did not complete: %w", err)
	}

	evalCtx, cancelEval := context.WithTimeout(ctx, evaluateTimeout)
	defer cancelEval()
	result, err := session.call(evalCtx, 3, "Runtime.evaluate", map[string]interface{}{
		"expression":    "document.documentElement.outerHTML",
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}

	var eval struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(result, &eval); err != nil {
		return "", fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	if eval.Result.Value == "" {
		return "", fmt.Errorf("browser returned empty document: %w", domain.ErrUpstream)
	}
	return eval.Result.Value, nil
}

// openTarget asks the browser for a fresh page target.
func (p *BrowserProvider) openTarget(ctx context.Context) (*devtoolsTarget, error) {
	endpoint := p.devtoolsURL + "/json/new?" + url.QueryEscape(p.cfg.PageURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build devtools request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools /json/new returned status %d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	var target devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode devtools target: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("devtools target has no debugger url: %w", domain.ErrUpstream)
	}
	return &target, nil
}

// closeTarget releases the browser tab. Runs detached from the request
// context so cleanup still happens when the caller timed out.
func (p *BrowserProvider) closeTarget(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.devtoolsURL+"/json/close/"+id, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Str("target", id).Msg("Failed to close browser target")
		return
	}
	resp.Body.Close()
}

// cdpMessage is one DevTools protocol frame, command or event.
type cdpMessage struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params interface{}     `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// cdpSession runs a strictly sequential command/event exchange. The
// provider only ever has one command in flight, so a synchronous read
// loop suffices; events arriving between replies are skipped or waited
// on explicitly.
type cdpSession struct {
	conn *websocket.Conn
}

// call sends one command and reads frames until its reply arrives.
func (s *cdpSession) call(ctx context.Context, id int, method string, params interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", method, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	for {
		msg, err := s.read(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		if msg.ID != id {
			continue // interleaved event or stale reply
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s failed: %s: %w", method, msg.Error.Message, domain.ErrUpstream)
		}
		return msg.Result, nil
	}
}

// waitEvent reads frames until the named event arrives.
func (s *cdpSession) waitEvent(ctx context.Context, method string) error {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return err
		}
		if msg.Method == method {
			return nil
		}
	}
}

func (s *cdpSession) read(ctx context.Context) (*cdpMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("devtools read failed: %w", err)
	}
	var msg cdpMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode devtools frame: %w", err)
	}
	return &msg, nil
}
