package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeGatewaySessionLifecycle(t *testing.T) {
	var (
		mu      sync.Mutex
		created fakeSessionRequest
		expired bool
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sess_1"})
	})
	mux.HandleFunc("/session/sess_1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		status := "SUCCEEDED"
		if expired {
			status = "FAILED"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("/session/sess_1/expire", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		expired = true
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := NewFakeGateway(srv.URL, "myr")
	ctx := context.Background()

	session, err := g.CreateSession(ctx, SessionRequest{TxID: 1, OwnerID: 9, Amount: 2500, CallbackURL: "http://cb"})
	require.NoError(t, err)
	assert.Equal(t, "sess_1", session.ID)
	assert.Equal(t, srv.URL+"/session/checkout?session_id=sess_1", session.CheckoutURL)
	mu.Lock()
	assert.Equal(t, int64(2500), created.Amount)
	assert.Equal(t, "MYR", created.Currency)
	assert.Equal(t, "http://cb", created.ReturnURL)
	mu.Unlock()

	status, err := g.QuerySessionStatus(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, status)

	require.NoError(t, g.DestroySession(ctx, "sess_1"))
	status, err = g.QuerySessionStatus(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
}

func TestFakeGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session":
			http.Error(w, "down", http.StatusBadGateway)
		case "/session/odd":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "PAID"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewFakeGateway(srv.URL, "myr")
	ctx := context.Background()

	_, err := g.CreateSession(ctx, SessionRequest{TxID: 1, Amount: 1})
	assert.ErrorContains(t, err, "502")

	_, err = g.QuerySessionStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = g.QuerySessionStatus(ctx, "odd")
	assert.Error(t, err)
}
