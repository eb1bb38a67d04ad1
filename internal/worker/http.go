package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxResponseBytes = 16 << 20

// HTTPGenerator posts the prompt as JSON and expects an Output document
// back. 429, 5xx, and transport errors are transient; any other non-2xx is
// permanent.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

func NewHTTPGenerator(endpoint string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGenerator{endpoint: endpoint, client: client}
}

func (g *HTTPGenerator) Generate(ctx context.Context, p Prompt) (*Output, error) {
	const op = "http generate"

	body, err := json.Marshal(p)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("encode prompt: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, Permanent(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data)))
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Permanent(op, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Files) == 0 {
		return nil, Permanent(op, errors.New("response contains no files"))
	}
	return &out, nil
}

func snippet(b []byte) string {
	const n = 200
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
