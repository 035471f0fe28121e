// Package governor implements the Resource Governor: a strict
// semaphore over concurrently in-flight dangerous operations, shared across
// every session in the process. A saturated governor fails fast with
// ErrResourceExhaustion rather than queuing, matching the kernel's
// single-writer, non-blocking philosophy elsewhere in the pipeline.
package governor

import (
	"golang.org/x/time/rate"
)

// DefaultMaxDangerousOps is the default cap on concurrent dangerous operations.
const DefaultMaxDangerousOps = 5

// Governor bounds the number of dangerous operations allowed to run at
// once. TryAcquire returns false immediately when saturated; it never
// blocks the caller.
type Governor interface {
	TryAcquire() (release func(), ok bool)
}

// Semaphore is the default, hand-rolled governor: a buffered channel used
// as a non-blocking counting semaphore. This is the in-process backend the
// engine uses unless a caller substitutes RateGoverned.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore builds a Semaphore admitting at most max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = DefaultMaxDangerousOps
	}
	return &Semaphore{slots: make(chan struct{}, max)}
}

func (s *Semaphore) TryAcquire() (func(), bool) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, true
	default:
		return nil, false
	}
}

// RateGoverned is the documented alternative backend: a token-bucket
// limiter from golang.org/x/time/rate instead of a strict concurrency cap.
// Unlike Semaphore, admission here is governed by refill rate rather than
// number of outstanding holders, so the release function is a no-op; a
// caller wanting both shapes can compose a Semaphore and a RateGoverned
// behind a small fan-in Governor of their own.
type RateGoverned struct {
	limiter *rate.Limiter
}

// NewRateGoverned builds a RateGoverned admitting burst immediately and
// refilling at ratePerSecond tokens/sec thereafter.
func NewRateGoverned(ratePerSecond float64, burst int) *RateGoverned {
	return &RateGoverned{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (r *RateGoverned) TryAcquire() (func(), bool) {
	if !r.limiter.Allow() {
		return nil, false
	}
	return func() {}, true
}
