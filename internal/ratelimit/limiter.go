// Package ratelimit provides per-connection rate limiting for inbound
// messages.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window"`
	// MaxRequests is the number of requests allowed inside one window.
	MaxRequests int `yaml:"max_requests"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Window:      60 * time.Second,
		MaxRequests: 100,
		Enabled:     true,
	}
}

// window tracks one key's request count inside the current window.
type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	limiter *Limiter
}

// allowAt applies the window rule at an explicit instant.
func (w *window) allowAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= w.limiter.config.Window {
		w.start = now
		w.count = 0
	}
	if w.count >= w.limiter.config.MaxRequests {
		return false
	}
	w.count++
	return true
}

// Limiter manages sliding windows for multiple keys (one per connection).
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow checks if a request for the given key should be allowed and counts
// it if so.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getWindow(key).allowAt(l.now())
}

// getWindow returns or creates the window for the given key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	w = &window{start: l.now(), limiter: l}
	l.windows[key] = w
	return w
}

// prune removes windows that have fully elapsed (inactive keys). Must be
// called with the write lock held.
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start) >= l.config.Window
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
		}
	}
}

// Reset drops the window for a key, typically when its connection closes.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Status reports rate limit state for a key.
type Status struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	MaxRequests int       `json:"max_requests"`
	WindowStart time.Time `json:"window_start"`
}

// GetStatus returns the rate limit status for a key without counting a
// request.
func (l *Limiter) GetStatus(key string) Status {
	status := Status{Key: key, MaxRequests: l.config.MaxRequests}
	if !l.config.Enabled {
		return status
	}

	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if !exists {
		return status
	}

	w.mu.Lock()
	status.Count = w.count
	status.WindowStart = w.start
	w.mu.Unlock()
	return status
}

// SetNowFunc overrides the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
