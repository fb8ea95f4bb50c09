package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	defaultModel   = "gpt-4o-mini"
)

// APIError is a non-2xx reply from the completion endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion API error: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, DeepSeek, Moonshot, Groq, local servers).
type Client struct {
	options    llm.ClientOptions
	httpClient *http.Client
	logger     *logging.Logger
	backoff    time.Duration
}

// NewClient creates a new client. The API key falls back to OPENAI_API_KEY
// and may be empty only for a non-default base URL.
func NewClient(opts ...llm.ClientOption) (*Client, error) {
	options := llm.ClientOptions{
		BaseURL:      defaultBaseURL,
		Timeout:      defaultTimeout,
		MaxRetries:   3,
		DefaultModel: defaultModel,
		Headers:      make(map[string]string),
	}

	for _, opt := range opts {
		opt(&options)
	}
	options.BaseURL = strings.TrimRight(options.BaseURL, "/")

	if options.APIKey == "" {
		options.APIKey = os.Getenv("OPENAI_API_KEY")
		if options.APIKey == "" && options.BaseURL == defaultBaseURL {
			return nil, fmt.Errorf("OpenAI API key not provided")
		}
	}

	return &Client{
		options:    options,
		httpClient: &http.Client{Timeout: options.Timeout},
		logger:     logging.Default("llm"),
		backoff:    time.Second,
	}, nil
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(l *logging.Logger) {
	if l != nil {
		c.logger = l
	}
}

// Chat sends a chat completion request.
func (c *Client) Chat(ctx context.Context, request *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := request.Model
	if model == "" {
		model = c.options.DefaultModel
	}

	body, err := json.Marshal(buildRequest(model, request))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var response *llm.ChatResponse
	err = c.doWithRetries(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			var errResp struct {
				Error llm.ErrorResponse `json:"error"`
			}
			msg := string(respBody)
			if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
				msg = errResp.Error.Message
			}
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}

		response = &llm.ChatResponse{}
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if response.Error != nil {
			return fmt.Errorf("completion API error: %s", response.Error.Message)
		}
		return nil
	})

	return response, err
}

// Close cleans up resources
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.options.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.APIKey)
	}
	req.Header.Set("User-Agent", "stock-agent-go/1.0")

	for k, v := range c.options.Headers {
		req.Header.Set(k, v)
	}
}

// doWithRetries retries retryable API errors with linear backoff.
func (c *Client) doWithRetries(ctx context.Context, fn func() error) error {
	var lastErr error

	for i := 0; i <= c.options.MaxRetries; i++ {
		if i > 0 {
			delay := time.Duration(i) * c.backoff
			c.logger.Debug("retrying completion request", "attempt", i+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			continue
		}
		return err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// buildRequest maps the generic request onto the wire body. Reasoning
// models (o1/o3/o4 families) take max_completion_tokens and reject a custom
// temperature.
func buildRequest(model string, request *llm.ChatRequest) map[string]interface{} {
	reqMap := map[string]interface{}{
		"model":    model,
		"messages": request.Messages,
	}

	lower := strings.ToLower(model)
	reasoning := strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4")

	if request.Temperature > 0 && !reasoning {
		reqMap["temperature"] = request.Temperature
	}
	if request.TopP > 0 && !reasoning {
		reqMap["top_p"] = request.TopP
	}
	if len(request.Tools) > 0 {
		reqMap["tools"] = request.Tools
		if request.ToolChoice != nil {
			reqMap["tool_choice"] = request.ToolChoice
		}
	}
	if len(request.Stop) > 0 {
		reqMap["stop"] = request.Stop
	}
	if request.MaxTokens > 0 {
		if reasoning {
			reqMap["max_completion_tokens"] = request.MaxTokens
		} else {
			reqMap["max_tokens"] = request.MaxTokens
		}
	}

	return reqMap
}
