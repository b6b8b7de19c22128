package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_RetriesTransientFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	body, err := client.Get(context.Background(), "/ticker", map[string]string{"symbol": "BTC-USD"})
	require.NoError(t, err)
	assert.Contains(t, string(body), "ok")
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_OpensBreakerAfterRepeatedFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	// With the breaker open the next call must fail without touching the
	// server at all.
	before := atomic.LoadInt32(&attempts)
	_, err := client.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&attempts))
}

func TestClient_ClientErrorIsAPIErrorNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1013,"msg":"Invalid quantity"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Post(context.Background(), "/order", map[string]string{"side": "BUY"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "-1013")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_PostMarshalsJSONBody(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Post(context.Background(), "/order", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got["symbol"])
}

type headerSigner struct{ key string }

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-API-KEY", s.key)
	return nil
}

func TestClient_SignsRequests(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, &headerSigner{key: "k-123"})
	_, err := client.Get(context.Background(), "/account", nil)
	require.NoError(t, err)
	assert.Equal(t, "k-123", gotKey)
}
