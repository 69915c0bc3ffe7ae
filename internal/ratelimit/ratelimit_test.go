package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_BurstThenBlocks(t *testing.T) {
	l := New(60) // 1 rps, burst 60
	for i := 0; i < 60; i++ {
		require.True(t, l.Allow("user-a"), "request %d should be within burst", i)
	}
	assert.False(t, l.Allow("user-a"), "61st immediate request should exceed the burst")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(1)
	require.True(t, l.Allow("user-a"))
	assert.True(t, l.Allow("user-b"), "a different key must have its own bucket")
}

func TestNew_NonPositiveRPM_FallsBackToOne(t *testing.T) {
	l := New(0)
	assert.True(t, l.Allow("k"))
}

func TestMiddleware_RejectsOverLimitWithRateLimited(t *testing.T) {
	l := New(1)
	h := l.Middleware(func(r *http.Request) string { return "fixed-key" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRemoteAddrKey_PrefersForwardedForFirstHop(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", RemoteAddrKey(r))
}

func TestRemoteAddrKey_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:54321"
	assert.Equal(t, "192.0.2.1:54321", RemoteAddrKey(r))
}
