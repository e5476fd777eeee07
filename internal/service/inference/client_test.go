package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mailpilot/internal/model"
	"mailpilot/pkg/circuitbreaker"
	"mailpilot/pkg/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_RecommendAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, endpointRecommend, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "default", r.Header.Get("X-Inference-Provider"))
		assert.Equal(t, "trace-1", r.Header.Get(trace.HeaderName))

		var in model.ActionContext
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, int64(7), in.UserID)

		_ = json.NewEncoder(w).Encode(map[string]any{"action": "silent-fyi-only", "urgency": "low"})
	}))
	defer srv.Close()

	c := NewClient(Config{Provider: "default", BaseURL: srv.URL, APIKey: "secret"})
	ctx := trace.WithContext(context.Background(), "trace-1")
	rec, err := c.RecommendAction(ctx, model.ActionContext{UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, model.ActionSilentFyi, rec.Action)
	assert.Equal(t, "low", rec.Urgency)
}

func TestClient_ReplyAndEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case endpointReply:
			_ = json.NewEncoder(w).Encode(map[string]any{"body": "Thanks, will do."})
		case endpointEmbed:
			var in embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, SpaceStyle, in.Space)
			_ = json.NewEncoder(w).Encode(map[string]any{"vector": []float32{0.5, 0.25}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	body, err := c.GenerateReply(context.Background(), model.ReplyContext{Action: model.ActionReply})
	require.NoError(t, err)
	assert.Equal(t, "Thanks, will do.", body)

	vec, err := c.Embed(context.Background(), SpaceStyle, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestClient_ClassifySpamDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"is_spam": true, "indicators": []string{"lottery"}})
	}))
	defer srv.Close()

	res, err := NewClient(Config{BaseURL: srv.URL}).ClassifySpam(context.Background(), model.SpamCheckInput{SenderResponseCount: 3})
	require.NoError(t, err)
	assert.True(t, res.IsSpam)
	assert.Equal(t, "classifier", res.Source)
	assert.Equal(t, 3, res.SenderResponseCount)
}

func TestClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Embed(context.Background(), SpaceSemantic, "x")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, httpErr.Temporary())
	assert.Contains(t, httpErr.Body, "upstream overloaded")
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.GenerateReply(context.Background(), model.ReplyContext{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_BreakerIgnoresClientErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	for i := 0; i < 10; i++ {
		_, err := c.Embed(context.Background(), SpaceSemantic, "x")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.cb.GetState())

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 5; i++ {
		_, _ = c.Embed(context.Background(), SpaceSemantic, "x")
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.cb.GetState())

	before := calls.Load()
	_, err := c.Embed(context.Background(), SpaceSemantic, "x")
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen))
	assert.Equal(t, before, calls.Load())
}

func TestClientCache(t *testing.T) {
	cache := NewClientCache(map[string]ProviderConfig{
		DefaultProvider: {BaseURL: "http://inference.local"},
		"fast":          {BaseURL: "http://fast.local"},
	}, time.Second)

	_, err := ForProvider(context.Background(), "")
	assert.Error(t, err)

	ctx := WithClientCache(context.Background(), cache)
	a, err := ForProvider(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultProvider, a.Provider())

	b, err := ForProvider(ctx, DefaultProvider)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = ForProvider(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	_, err = cache.Get("missing")
	assert.Error(t, err)

	cache.Close()
	assert.Equal(t, 0, cache.Len())
}
