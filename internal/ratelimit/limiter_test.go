package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func (o *outcomes) get(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outcome]
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedisFixedWindow(t *testing.T) {
	s, client := setupRedis(t)
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)}
	var seen outcomes
	l := New(client, Config{Limit: 3, Window: time.Minute, Now: clk.Now, OnDecision: seen.record})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "ip:1")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, SourceRedis, d.Source)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d := l.Allow(ctx, "ip:1")
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceRedis, d.Source)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	assert.True(t, l.Allow(ctx, "ip:2").Allowed, "keys are independent")
	assert.Equal(t, 4, seen.get(OutcomeAllowed))
	assert.Equal(t, 1, seen.get(OutcomeLimited))

	keys := s.Keys()
	require.Len(t, keys, 2)
	assert.Greater(t, s.TTL(keys[0]), time.Duration(0))

	clk.Advance(time.Minute)
	assert.True(t, l.Allow(ctx, "ip:1").Allowed, "next window resets the count")
}

func TestFailsOpenOnRedisError(t *testing.T) {
	s, client := setupRedis(t)
	var seen outcomes
	l := New(client, Config{Limit: 5, OnDecision: seen.record})

	s.SetError("ERR unavailable")
	d := l.Allow(context.Background(), "user:1")
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceLocal, d.Source)
	assert.Equal(t, 1, seen.get(OutcomeFailOpen))
}

func TestLocalFallbackStillLimits(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(nil, Config{Limit: 2, Window: time.Minute, Now: clk.Now})

	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "k").Allowed)
	assert.True(t, l.Allow(ctx, "k").Allowed)
	d := l.Allow(ctx, "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceLocal, d.Source)
	assert.InDelta(t, float64(30*time.Second), float64(d.RetryAfter), float64(time.Second))

	clk.Advance(30 * time.Second)
	assert.True(t, l.Allow(ctx, "k").Allowed)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	s, client := setupRedis(t)
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var seen outcomes
	l := New(client, Config{Limit: 100, Now: clk.Now, OnDecision: seen.record})
	ctx := context.Background()

	s.SetError("ERR unavailable")
	for i := 0; i < 3; i++ {
		l.Allow(ctx, "k")
	}
	require.True(t, l.BreakerOpen())

	// Redis recovers, but the breaker keeps skipping it until the cooldown ends.
	s.SetError("")
	d := l.Allow(ctx, "k")
	assert.Equal(t, SourceLocal, d.Source)
	assert.Empty(t, s.Keys())

	clk.Advance(31 * time.Second)
	assert.False(t, l.BreakerOpen())
	d = l.Allow(ctx, "k")
	assert.Equal(t, SourceRedis, d.Source)
	assert.Equal(t, 4, seen.get(OutcomeFailOpen))
}

func TestRedisTimeoutIsBounded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := New(client, Config{Limit: 10, Timeout: 30 * time.Millisecond})

	start := time.Now()
	d := l.Allow(context.Background(), "k")
	elapsed := time.Since(start)

	assert.True(t, d.Allowed)
	assert.Equal(t, SourceLocal, d.Source)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestMiddleware(t *testing.T) {
	l := New(nil, Config{Limit: 1, Window: time.Minute})
	handler := Middleware(l, func(r *http.Request) string {
		if r.URL.Path == "/api/health" {
			return ""
		}
		return "ip:" + Proxies(nil).ClientIP(r)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("/api/auth/signin").Code)
	limited := send("/api/auth/signin")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "RATE_LIMITED")
	assert.Equal(t, http.StatusOK, send("/api/health").Code)
}

func TestClientIP(t *testing.T) {
	proxies, err := ParseProxies([]string{"10.0.0.0/8", " 192.0.2.10 ", ""})
	require.NoError(t, err)

	tests := []struct {
		name      string
		proxies   Proxies
		remote    string
		forwarded []string
		want      string
	}{
		{name: "no proxies ignores header", remote: "192.0.2.1:1234", forwarded: []string{"203.0.113.9"}, want: "192.0.2.1"},
		{name: "untrusted peer ignores header", proxies: proxies, remote: "198.51.100.4:80", forwarded: []string{"203.0.113.9"}, want: "198.51.100.4"},
		{name: "trusted peer", proxies: proxies, remote: "10.1.2.3:443", forwarded: []string{"203.0.113.9"}, want: "203.0.113.9"},
		{name: "spoofed left hops are skipped", proxies: proxies, remote: "10.1.2.3:443", forwarded: []string{"1.1.1.1, 203.0.113.9"}, want: "203.0.113.9"},
		{name: "chained proxies", proxies: proxies, remote: "10.1.2.3:443", forwarded: []string{"203.0.113.9, 192.0.2.10", "10.9.9.9"}, want: "203.0.113.9"},
		{name: "all hops trusted", proxies: proxies, remote: "10.1.2.3:443", forwarded: []string{"10.0.0.5, 10.0.0.6"}, want: "10.0.0.5"},
		{name: "trusted peer without header", proxies: proxies, remote: "10.1.2.3:443", want: "10.1.2.3"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:8080", want: "2001:db8::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tc.want, tc.proxies.ClientIP(req))
		})
	}
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseProxies([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = ParseProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestRotatingForwardedForStillLimited(t *testing.T) {
	l := New(nil, Config{Limit: 2, Window: time.Minute})
	handler := Middleware(l, func(r *http.Request) string {
		return "auth:ip:" + Proxies(nil).ClientIP(r)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	limited := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil)
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 48, limited)
}
