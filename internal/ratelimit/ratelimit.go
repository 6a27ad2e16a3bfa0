// Package ratelimit implements a fixed-window request counter keyed by
// client/route. Windows are independent per key; each entry carries its own
// lock so concurrent requests for different keys never contend.
package ratelimit

import (
	"sync"
	"time"
)

// Rule is one limit: at most Requests per Window.
type Rule struct {
	Requests int
	Window   time.Duration
}

// DefaultRule mirrors the platform-wide gateway default.
var DefaultRule = Rule{
	Requests: 1000,
	Window:   15 * time.Minute,
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	rule Rule
	now  func() time.Time

	mu      sync.RWMutex
	windows map[string]*window

	stopOnce sync.Once
	stop     chan struct{}
}

type window struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// New creates a limiter for the given rule. Zero fields fall back to
// DefaultRule.
func New(rule Rule) *Limiter {
	if rule.Requests <= 0 {
		rule.Requests = DefaultRule.Requests
	}
	if rule.Window <= 0 {
		rule.Window = DefaultRule.Window
	}

	l := &Limiter{
		rule:    rule,
		now:     time.Now,
		windows: make(map[string]*window),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetClock replaces the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Check increments the counter for key's current window and reports whether
// the request is allowed. The first request after a window boundary resets
// the count to 1.
func (l *Limiter) Check(key string) bool {
	w := l.get(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.start) >= l.rule.Window {
		w.start = now
		w.count = 1
		return true
	}

	w.count++
	return w.count <= l.rule.Requests
}

// Rule returns the configured limit.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Stop terminates the background sweep of expired windows.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) get(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w
	}
	// Backdate so the first Check starts a fresh window
	w = &window{start: l.now().Add(-l.rule.Window)}
	l.windows[key] = w
	return w
}

// sweepLoop drops window entries idle for more than two window lengths so the
// key map does not grow without bound.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.rule.Window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.rule.Window)
			l.mu.Lock()
			for key, w := range l.windows {
				w.mu.Lock()
				stale := w.start.Before(cutoff)
				w.mu.Unlock()
				if stale {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
