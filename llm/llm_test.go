package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Options{Endpoint: srv.URL, APIKey: "secret", Model: "test-model"})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestComplete_Success(t *testing.T) {
	var got completionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"\n\n- point one\n- point two  "},{"text":"other"}]}`))
	})

	text, err := c.Complete(context.Background(), Request{Prompt: "hello", Temperature: Float(1), MaxTokens: 1000})
	require.NoError(t, err)

	assert.Equal(t, "- point one\n- point two", text)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, "hello", got.Prompt)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 1.0, *got.Temperature)
	assert.Equal(t, 1000, got.MaxTokens)
}

func TestComplete_OmitsTemperatureWhenNil(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	})

	_, err := c.Complete(context.Background(), Request{Prompt: "p", MaxTokens: 1700})
	require.NoError(t, err)

	assert.NotContains(t, raw, "temperature")
	assert.EqualValues(t, 1700, raw["max_tokens"])
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantStatus int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, wantErr: ErrUnauthorized, wantStatus: 401},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: ErrRateLimited, wantStatus: 429},
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, wantErr: ErrUpstream, wantStatus: 502},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantErr: ErrMalformedResponse, wantStatus: 200},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantErr: ErrMalformedResponse, wantStatus: 200},
		{name: "wrong shape", status: http.StatusOK, body: `{"result":"text"}`, wantErr: ErrMalformedResponse, wantStatus: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Complete(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var se *ServiceError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantStatus, se.StatusCode)
		})
	}
}

func TestComplete_TransportFailure(t *testing.T) {
	c, err := New(Options{Endpoint: "http://127.0.0.1:1", APIKey: "k"})
	require.NoError(t, err)
	c.do = func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}

	_, err = c.Complete(context.Background(), Request{Prompt: "p"})

	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "post", se.Op)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestServiceError_Message(t *testing.T) {
	err := &ServiceError{Op: "post", StatusCode: 429, Err: ErrRateLimited}
	assert.Equal(t, "llm post: status 429: rate limited", err.Error())
}
