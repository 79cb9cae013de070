// ABOUTME: Tests for the in-memory rate limiter and key derivation
// ABOUTME: Covers window counting, expiry, cleanup, and fail-open config edge cases

package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AllowsUpToLimit(t *testing.T) {
	l := NewMemory()
	defer l.Close()

	for i := 1; i <= 3; i++ {
		d := l.Allow("ip:10.0.0.1", 3, time.Minute)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, i, d.Count)
	}

	d := l.Allow("ip:10.0.0.1", 3, time.Minute)
	assert.False(t, d.Allowed, "request over limit should be denied")
	assert.Equal(t, 3, d.Count)
}

func TestMemory_WindowExpiry(t *testing.T) {
	l := NewMemory()
	defer l.Close()

	d := l.Allow("ip:10.0.0.1", 1, 50*time.Millisecond)
	require.True(t, d.Allowed)

	d = l.Allow("ip:10.0.0.1", 1, 50*time.Millisecond)
	require.False(t, d.Allowed)

	time.Sleep(80 * time.Millisecond)

	d = l.Allow("ip:10.0.0.1", 1, 50*time.Millisecond)
	assert.True(t, d.Allowed, "new window should start after expiry")
	assert.Equal(t, 1, d.Count)
}

func TestMemory_KeysIndependent(t *testing.T) {
	l := NewMemory()
	defer l.Close()

	require.True(t, l.Allow("ip:10.0.0.1", 1, time.Minute).Allowed)
	require.False(t, l.Allow("ip:10.0.0.1", 1, time.Minute).Allowed)

	assert.True(t, l.Allow("ip:10.0.0.2", 1, time.Minute).Allowed, "other keys keep their own windows")
}

func TestMemory_ZeroLimitAllowsAll(t *testing.T) {
	l := NewMemory()
	defer l.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("ip:10.0.0.1", 0, time.Minute).Allowed)
	}
}

func TestMemory_Cleanup(t *testing.T) {
	l := NewMemory().(*memoryLimiter)
	defer l.Close()

	l.Allow("stale", 5, 10*time.Millisecond)
	l.Allow("fresh", 5, time.Hour)

	l.cleanup(time.Now().Add(time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.entries, "stale")
	assert.Contains(t, l.entries, "fresh")
}

func TestMemory_CloseIdempotent(t *testing.T) {
	l := NewMemory()
	l.Close()
	l.Close()
}

func TestIPKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{remoteAddr: "10.0.0.1:54321", want: "ip:10.0.0.1"},
		{remoteAddr: "[::1]:8080", want: "ip:::1"},
		{remoteAddr: "10.0.0.1", want: "ip:10.0.0.1"},
		{remoteAddr: "", want: "ip:unknown"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("addr=%q", tt.remoteAddr), func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			assert.Equal(t, tt.want, IPKey(r))
		})
	}
}

func TestNewRedis_UnreachableBackend(t *testing.T) {
	_, err := NewRedis("127.0.0.1:1", "", 0)
	assert.Error(t, err, "constructor should fail when redis is unreachable")
}
