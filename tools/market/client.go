// Package market exposes the market-data service as agent tools.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nachoal/stock-agent-go/tools"
)

const maxResultBytes = 6000

// Client fetches data from the market-data HTTP service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Get requests path with query and returns the body as compact text for
// the model. JSON bodies are re-indented, long bodies are truncated.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (string, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", tools.NewToolError("REQUEST_ERROR", "Failed to create request").
			WithDetail("error", err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", tools.NewToolError(tools.CodeHTTPError, "Market data service unreachable").
			WithDetail("error", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", tools.NewToolError("READ_ERROR", "Failed to read response").
			WithDetail("error", err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return "", tools.NewToolError(tools.CodeHTTPStatus, fmt.Sprintf("Market data service returned %d", resp.StatusCode)).
			WithDetail("body", truncate(string(body), 300))
	}

	return format(body), nil
}

func format(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, trimmed, "", "  "); err == nil {
			trimmed = buf.Bytes()
		}
	}
	return truncate(string(trimmed), maxResultBytes)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...(truncated)"
}
