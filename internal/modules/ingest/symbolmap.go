package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// fetchSymbolMap downloads a vendor's symbol→ISIN mapping. Two shapes are
// seen in the wild: a plain object {"KGH": "PLKGHM000017"} and a list of
// {symbol, isin} records.
func fetchSymbolMap(ctx context.Context, client *http.Client, endpoint string) (map[string]string, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build symbol map request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("symbol map request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("symbol map endpoint returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode symbol map: %w", err)
	}

	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err == nil {
		return upperKeys(out), nil
	}

	var records []struct {
		Symbol string `json:"symbol"`
		ISIN   string `json:"isin"`
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("unrecognized symbol map shape: %w", err)
	}
	for _, rec := range records {
		if rec.Symbol != "" {
			out[strings.ToUpper(strings.TrimSpace(rec.Symbol))] = rec.ISIN
		}
	}
	return out, nil
}

func upperKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}
