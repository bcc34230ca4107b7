package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/prediction_layer/internal/app/system"
	"github.com/R3E-Network/prediction_layer/internal/httputil"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

var errRateLimited = errors.New("rate limit exceeded")

const defaultIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per owner. Started as a service, it
// sweeps buckets idle for longer than the idle window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	log      *logger.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ system.Service = (*RateLimiter)(nil)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerSecond sustained and burst peak per owner.
func NewRateLimiter(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		idle:     defaultIdle,
		log:      log,
	}
}

// WithIdleWindow sets how long an unused bucket is kept. Non-positive values
// keep the default.
func (rl *RateLimiter) WithIdleWindow(idle time.Duration) *RateLimiter {
	if idle > 0 {
		rl.idle = idle
	}
	return rl
}

func (rl *RateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Handler limits by owner id, falling back to the remote address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetOwnerID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.allow(key, time.Now()) {
			rl.log.WithField("key", key).WithField("path", r.URL.Path).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(1))
			httputil.WriteError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than the idle window.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.idle {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Size reports how many owners are tracked.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) Name() string { return "rate-limiter" }

// Start sweeps idle buckets every half idle window until Stop.
func (rl *RateLimiter) Start(ctx context.Context) error {
	rl.runMu.Lock()
	defer rl.runMu.Unlock()
	if rl.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	rl.cancel = cancel
	rl.done = done
	go rl.sweep(ctx, done)
	return nil
}

func (rl *RateLimiter) Stop(ctx context.Context) error {
	rl.runMu.Lock()
	cancel, done := rl.cancel, rl.done
	rl.cancel, rl.done = nil, nil
	rl.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *RateLimiter) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(rl.idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := rl.Cleanup(now); removed > 0 {
				rl.log.WithField("removed", removed).Debug("dropped idle rate limiters")
			}
		}
	}
}
