package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

func newChatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPBackend_Generate(t *testing.T) {
	var gotReq chatRequest
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "  raw output\nwith whitespace  "}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`))
	})

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, APIKey: "secret"})
	resp, err := b.Generate(context.Background(),
		[]Message{{Role: RoleUser, Content: "hello"}},
		schema.GenerationConfig{Model: "large", MaxTokens: 500, Temperature: 0.3})
	require.NoError(t, err)

	// Output text passes through untouched.
	assert.Equal(t, "  raw output\nwith whitespace  ", resp.Text)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)

	assert.Equal(t, "large", gotReq.Model)
	assert.Equal(t, 500, gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "hello", gotReq.Messages[0].Content)
}

func TestHTTPBackend_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{http.StatusTooManyRequests, schema.ErrCodeBackendRateLimit, true},
		{http.StatusInternalServerError, schema.ErrCodeBackendNetwork, true},
		{http.StatusGatewayTimeout, schema.ErrCodeBackendTimeout, true},
		{http.StatusUnauthorized, schema.ErrCodeBackendAuth, false},
		{http.StatusForbidden, schema.ErrCodeBackendAuth, false},
		{http.StatusBadRequest, schema.ErrCodeBackendInvalid, false},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})

			_, err := b.Generate(context.Background(),
				[]Message{{Role: RoleUser, Content: "hi"}},
				schema.GenerationConfig{Model: "m", MaxTokens: 10})
			require.Error(t, err)

			var se *schema.StagehandError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.wantCode, se.Code)
			assert.Equal(t, tc.retryable, se.IsRetryable())
		})
	}
}

func TestHTTPBackend_MalformedResponse(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})

	_, err := b.Generate(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}},
		schema.GenerationConfig{Model: "m", MaxTokens: 10})
	require.Error(t, err)
	var se *schema.StagehandError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeBackendInvalid, se.Code)
}

func TestHTTPBackend_NoChoices(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})
	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})

	_, err := b.Generate(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}},
		schema.GenerationConfig{Model: "m", MaxTokens: 10})
	require.Error(t, err)
}

func TestHTTPBackend_ConnectionRefused(t *testing.T) {
	b := NewHTTPBackend(HTTPConfig{BaseURL: "http://127.0.0.1:1"})

	_, err := b.Generate(context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}},
		schema.GenerationConfig{Model: "m", MaxTokens: 10})
	require.Error(t, err)
	var se *schema.StagehandError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsRetryable())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	err := Classify(context.DeadlineExceeded)
	var se *schema.StagehandError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeBackendTimeout, se.Code)

	err = Classify(context.Canceled)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeCancelled, se.Code)

	err = Classify(errors.New("connection reset"))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeBackendNetwork, se.Code)

	// Already-classified errors pass through unchanged.
	original := schema.NewError(schema.ErrCodeBackendAuth, "bad key")
	assert.Equal(t, original, Classify(original))
}
