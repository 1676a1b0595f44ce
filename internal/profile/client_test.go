package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/httpretry"
)

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/users/u-42/profile", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(domain.UserProfile{
			ID: "u-42", Email: "trader@example.com", Tier: domain.TierPro, TotalTrades: 120,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", nil)
	p, err := c.GetProfile(context.Background(), "u-42")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, p.Tier)
	assert.Equal(t, 120, p.TotalTrades)
}

func TestGetProfileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", nil)
	_, err := c.GetProfile(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestGetProfileRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.UserProfile{ID: "u-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", httpretry.New(srv.Client(), 3))
	p, err := c.GetProfile(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetProfileDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", httpretry.New(srv.Client(), 3))
	_, err := c.GetProfile(context.Background(), "u-1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
