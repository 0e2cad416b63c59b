package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP posts every batch as GeoJSON to a downstream URL.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTP returns an HTTP submitter. token, when set, is sent as a bearer
// token.
func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	return &HTTP{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Submit implements Submitter.
func (h *HTTP) Submit(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b.Collection)
	if err != nil {
		return fmt.Errorf("marshalling collection: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/geo+json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting collection: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting collection: downstream returned %s", resp.Status)
	}
	return nil
}
