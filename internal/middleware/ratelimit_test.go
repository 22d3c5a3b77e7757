package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/block-directory/block-directory/internal/auth"
	"github.com/block-directory/block-directory/internal/config"
)

// fakeClock is a manually advanced time source for the in-memory limiter.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, rpm, burst int) (*RateLimiter, *fakeClock) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(t, 60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, _ := rl.Allow(ctx, "client")
		if !d.Allowed {
			t.Fatalf("request %d denied within burst", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, _ := rl.Allow(ctx, "client")
	if d.Allowed {
		t.Fatal("request beyond burst should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s] at 1 token/s", d.RetryAfter)
	}

	clock.advance(time.Second)
	if d, _ := rl.Allow(ctx, "client"); !d.Allowed {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()

	if d, _ := rl.Allow(ctx, "a"); !d.Allowed {
		t.Fatal("first request for a denied")
	}
	if d, _ := rl.Allow(ctx, "a"); d.Allowed {
		t.Error("second request for a should be denied")
	}
	if d, _ := rl.Allow(ctx, "b"); !d.Allowed {
		t.Error("b should have its own bucket")
	}
}

func TestRateLimiter_RefillCapsAtBurst(t *testing.T) {
	rl, clock := newTestLimiter(t, 600, 2)
	ctx := context.Background()
	rl.Allow(ctx, "k")
	clock.advance(time.Hour)

	d, _ := rl.Allow(ctx, "k")
	if d.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 (capped at burst 2)", d.Remaining)
	}
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts, err := redis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestRedisRateLimiter_SharesBuckets(t *testing.T) {
	rdb, _ := setupRedis(t)
	cfg := RateLimitConfig{RequestsPerMinute: 2, BurstSize: 2}
	// two replicas talking to the same redis
	first := NewRedisRateLimiter(rdb, cfg)
	second := NewRedisRateLimiter(rdb, cfg)
	ctx := context.Background()

	if d, err := first.Allow(ctx, "ip:10.0.0.1"); err != nil || !d.Allowed {
		t.Fatalf("first = %+v, %v", d, err)
	}
	if d, err := second.Allow(ctx, "ip:10.0.0.1"); err != nil || !d.Allowed {
		t.Fatalf("second = %+v, %v", d, err)
	}
	d, err := first.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("third request across replicas should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
	if first.Limit() != 2 {
		t.Errorf("Limit() = %d, want 2", first.Limit())
	}
}

func TestRedisRateLimiter_ErrorWhenRedisDown(t *testing.T) {
	rdb, mr := setupRedis(t)
	rl := NewRedisRateLimiter(rdb, RateLimitConfig{RequestsPerMinute: 10, BurstSize: 1})
	mr.Close()

	if _, err := rl.Allow(context.Background(), "k"); err == nil {
		t.Error("Allow should fail with redis down")
	}
}

func TestNewLimiterFromConfig(t *testing.T) {
	rdb, _ := setupRedis(t)

	if l, err := NewLimiterFromConfig(config.RateLimitingConfig{Enabled: false}, nil); l != nil || err != nil {
		t.Errorf("disabled = (%v, %v), want (nil, nil)", l, err)
	}

	l, err := NewLimiterFromConfig(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 5, Burst: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mem, ok := l.(*RateLimiter)
	if !ok {
		t.Fatalf("limiter = %T, want *RateLimiter", l)
	}
	mem.Stop()

	l, err = NewLimiterFromConfig(config.RateLimitingConfig{Enabled: true, Distributed: true, RequestsPerMinute: 5, Burst: 1}, rdb)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*RedisRateLimiter); !ok {
		t.Errorf("limiter = %T, want *RedisRateLimiter", l)
	}

	if _, err := NewLimiterFromConfig(config.RateLimitingConfig{Enabled: true, Distributed: true}, nil); err == nil {
		t.Error("distributed without redis should fail")
	}
}

// stubLimiter returns a fixed decision or error.
type stubLimiter struct {
	decision Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func (s *stubLimiter) Limit() int { return 42 }

func runRateLimit(limiter Limiter, caller *auth.Caller) *httptest.ResponseRecorder {
	r := gin.New()
	if caller != nil {
		r.Use(func(c *gin.Context) { c.Set(CallerKey, *caller) })
	}
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	stub := &stubLimiter{decision: Decision{Allowed: true, Remaining: 7}}
	w := runRateLimit(stub, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "42" || w.Header().Get("X-RateLimit-Remaining") != "7" {
		t.Errorf("headers = %v", w.Header())
	}
	if len(stub.keys) != 1 || stub.keys[0] != "ip:192.0.2.10" {
		t.Errorf("keys = %v, want [ip:192.0.2.10]", stub.keys)
	}
}

func TestRateLimitMiddleware_Denied(t *testing.T) {
	stub := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	w := runRateLimit(stub, nil)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != strconv.Itoa(3) {
		t.Errorf("Retry-After = %q, want 3", got)
	}
}

func TestRateLimitMiddleware_KeysByCaller(t *testing.T) {
	stub := &stubLimiter{decision: Decision{Allowed: true}}
	runRateLimit(stub, &auth.Caller{ID: "apikey:ci", Authenticated: true})

	if len(stub.keys) != 1 || stub.keys[0] != "apikey:ci" {
		t.Errorf("keys = %v, want [apikey:ci]", stub.keys)
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	stub := &stubLimiter{err: errors.New("redis: connection refused")}
	if w := runRateLimit(stub, nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter fails", w.Code)
	}
}
