package bio

import (
	"sync"
	"time"
)

// tokenBucket metes bytes-per-second against a quota, refilling
// continuously based on elapsed wall time. No library in the retrieval
// pack implements byte-rate metering directly, so this is a small
// stdlib primitive rather than a borrowed one.
type tokenBucket struct {
	mu         sync.Mutex
	ratePerSec int64
	burst      int64
	tokens     float64
	last       time.Time
	now        func() time.Time
}

func newTokenBucket(ratePerSec int64, now func() time.Time) *tokenBucket {
	if now == nil {
		now = time.Now
	}
	burst := ratePerSec
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		ratePerSec: ratePerSec,
		burst:      burst,
		tokens:     float64(burst),
		last:       now(),
		now:        now,
	}
}

// take returns how many of the requested bytes may be spent right now,
// which may be zero (and never negative) when the bucket is saturated.
func (b *tokenBucket) take(want int) int {
	if b.ratePerSec <= 0 {
		return want // unlimited
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(b.ratePerSec)
		if b.tokens > float64(b.burst) {
			b.tokens = float64(b.burst)
		}
		b.last = now
	}

	if b.tokens <= 0 {
		return 0
	}

	n := want
	if float64(n) > b.tokens {
		n = int(b.tokens)
	}
	b.tokens -= float64(n)
	return n
}

func (b *tokenBucket) saturated() bool {
	if b.ratePerSec <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens < 1
}
