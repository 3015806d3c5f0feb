// Package ratelimit limits requests per client with token buckets.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dgellow/clowdbot/internal/log"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxEntries      = 10000
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMaxIdle         = 30 * time.Minute
)

type entry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter tracks one token bucket per key, evicting the least recently
// used key once maxEntries is reached.
type Limiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time

	started  bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// New creates a limiter allowing perSecond requests per key with the given burst.
func New(perSecond, burst, maxEntries int) *Limiter {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Limiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		maxEntries: maxEntries,
		now:        time.Now,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Allow reports whether a request for key may proceed and consumes a token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if elem, ok := l.entries[key]; ok {
		l.lru.MoveToFront(elem)
		e := elem.Value.(*entry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}

	if len(l.entries) >= l.maxEntries {
		l.evictOldest()
	}

	e := &entry{
		key:        key,
		limiter:    rate.NewLimiter(l.rate, l.burst),
		lastAccess: now,
	}
	l.entries[key] = l.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// must hold mu
func (l *Limiter) evictOldest() {
	elem := l.lru.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	delete(l.entries, e.key)
	l.lru.Remove(elem)
	log.LogTraceWithFields("ratelimit", "Evicted least recently used limiter", map[string]any{
		"entries": len(l.entries),
	})
}

// Cleanup drops limiters that have been idle longer than maxIdle.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	var next *list.Element
	for elem := l.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*entry)
		if now.Sub(e.lastAccess) > maxIdle {
			delete(l.entries, e.key)
			l.lru.Remove(elem)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Start runs periodic cleanup until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	log.LogDebugWithFields("ratelimit", "Starting limiter cleanup", map[string]any{
		"interval": interval.String(),
	})
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
	go l.run(ctx, interval)
}

// Stop ends the cleanup loop started by Start and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		l.mu.Lock()
		started := l.started
		l.mu.Unlock()
		if started {
			<-l.doneChan
		}
	})
}

func (l *Limiter) run(ctx context.Context, interval time.Duration) {
	defer close(l.doneChan)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := l.Cleanup(DefaultMaxIdle); removed > 0 {
				log.LogDebugWithFields("ratelimit", "Removed idle limiters", map[string]any{
					"removed":   removed,
					"remaining": l.Len(),
				})
			}
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
