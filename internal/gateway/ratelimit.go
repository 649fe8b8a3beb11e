package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients caps the limiter map so rotating client keys cannot
// exhaust memory.
const maxTrackedClients = 4096

// RateLimiter applies a per-client requests-per-minute budget with a
// token bucket per key. rpm <= 0 disables limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client with the given burst headroom.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow reports whether the client identified by key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	lim, ok := r.clients[key]
	if !ok {
		// Hard eviction at cap, FIFO-ish via map iteration.
		for len(r.clients) >= maxTrackedClients {
			for k := range r.clients {
				delete(r.clients, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.clients[key] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}

// Forget drops the limiter state of a disconnected client.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.clients, key)
	r.mu.Unlock()
}
