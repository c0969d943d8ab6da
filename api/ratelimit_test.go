package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move the limiter forward without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*authFailureLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newAuthFailureLimiter()
	rl.now = clk.now
	return rl, clk
}

func TestAuthLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures-1; i++ {
		rl.recordFailure("192.0.2.1")
		blocked, _ := rl.check("192.0.2.1")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestAuthLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}

	blocked, retryAfter := rl.check("192.0.2.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, retryAfter)
}

func TestAuthLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	_, first := rl.check("192.0.2.1")

	rl.recordFailure("192.0.2.1")
	_, second := rl.check("192.0.2.1")
	assert.Equal(t, 2*first, second)
}

func TestAuthLimiter_MaxLockoutCap(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures+20; i++ {
		rl.recordFailure("192.0.2.1")
	}

	_, retryAfter := rl.check("192.0.2.1")
	assert.Equal(t, maxLockout, retryAfter)
}

func TestAuthLimiter_LockoutExpires(t *testing.T) {
	rl, clk := newTestLimiter()

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	clk.advance(baseLockout + time.Second)

	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestAuthLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	rl.recordSuccess("192.0.2.1")

	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
	assert.Zero(t, rl.size())
}

func TestAuthLimiter_IsolatesClients(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < maxFailures; i++ {
		rl.recordFailure("192.0.2.1")
	}
	blocked, _ := rl.check("192.0.2.1")
	require.True(t, blocked)

	blocked, _ = rl.check("198.51.100.7")
	assert.False(t, blocked, "one client's lockout must not affect another")
}

func TestAuthLimiter_Sweep(t *testing.T) {
	rl, clk := newTestLimiter()

	rl.recordFailure("192.0.2.1")
	clk.advance(attemptExpiry / 2)
	rl.recordFailure("198.51.100.7")
	clk.advance(attemptExpiry/2 + time.Minute)

	rl.sweep()
	assert.Equal(t, 1, rl.size())

	blocked, _ := rl.check("198.51.100.7")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "60", retryAfterString(time.Minute))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
	}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "ipv4-mapped ipv6 is unmapped",
			remoteAddr: "[::ffff:192.0.2.5]:8080",
			want:       "192.0.2.5",
		},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "192.168.1.1",
		},
		{
			name:       "trusted proxy honours XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25, 203.0.113.9"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "XFF skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, not-an-ip, 203.0.113.7"},
			proxies:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "Forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for=198.51.100.1;proto=https;by=203.0.113.43`},
			proxies:    trusted,
			want:       "198.51.100.1",
		},
		{
			name:       "Forwarded quoted ipv6",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:4711"`},
			proxies:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "X-Real-IP fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			proxies:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer ignores headers",
			remoteAddr: "192.168.1.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "198.51.100.25",
				"Forwarded":       "for=198.51.100.26",
				"X-Real-IP":       "198.51.100.27",
			},
			proxies: trusted,
			want:    "192.168.1.1",
		},
		{
			name:       "second prefix matches",
			remoteAddr: "172.16.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "trusted proxy without headers",
			remoteAddr: "10.0.0.1:80",
			proxies:    trusted,
			want:       "10.0.0.1",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}
