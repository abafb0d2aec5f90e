// Package llm is a minimal client for an OpenAI compatible text completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/completions"
	DefaultModel    = "gpt-3.5-turbo-instruct"
	DefaultTimeout  = 120 * time.Second
)

var (
	ErrMissingAPIKey     = errors.New("api key is empty")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstream          = errors.New("upstream error")
	ErrMalformedResponse = errors.New("malformed response")
)

// ServiceError is returned for every failed completion. Err carries one of
// the package sentinels or the underlying transport error.
type ServiceError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Request is one completion request. A nil Temperature leaves the provider default.
type Request struct {
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

type Options struct {
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	url    string
	model  string
	apiKey string
	do     func(*http.Request) (*http.Response, error)
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := &http.Client{Timeout: opts.Timeout}
	return &Client{
		url:    opts.Endpoint,
		model:  opts.Model,
		apiKey: opts.APIKey,
		do:     hc.Do,
	}, nil
}

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends req and returns the trimmed text of the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", &ServiceError{Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", &ServiceError{Op: "request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.do(httpReq)
	if err != nil {
		return "", &ServiceError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", statusError(resp)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ServiceError{Op: "decode", StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if len(out.Choices) == 0 {
		return "", &ServiceError{Op: "decode", StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: no choices", ErrMalformedResponse)}
	}

	return strings.TrimSpace(out.Choices[0].Text), nil
}

func statusError(resp *http.Response) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(slurp))
	var er errorResponse
	if json.Unmarshal(slurp, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	default:
		kind = ErrUpstream
	}
	if msg != "" {
		kind = fmt.Errorf("%w: %s", kind, msg)
	}
	return &ServiceError{Op: "post", StatusCode: resp.StatusCode, Err: kind}
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
