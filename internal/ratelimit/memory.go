package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction cadence for idle buckets. A key silent for bucketTTL has a
// full bucket anyway, so dropping it loses nothing.
const (
	sweepEvery = time.Minute
	bucketTTL  = 10 * time.Minute
)

// bucket holds the token state for one key.
type bucket struct {
	tokens  float64
	touched time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory.
//
// Every key refills at the same sustained rate (tokens per second) up to
// the same burst capacity. A background goroutine drops idle buckets so
// the map stays bounded under churning client keys.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing rate requests per second
// per key with bursts up to burst. Call Close to stop the eviction
// goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Allow takes one token from key's bucket, reporting whether one was
// available. A denied request consumes nothing.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// New keys start full; this request takes the first token.
		m.buckets[key] = &bucket{tokens: m.burst - 1, touched: now}
		return true, nil
	}

	b.tokens += now.Sub(b.touched).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.touched = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle for longer than bucketTTL.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-bucketTTL)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
