// Package ratelimit throttles the accept loop so a connection storm can't
// starve existing clients of scheduler time.
//
// Grounded on bootstrap/main.go's use of golang.org/x/time/rate to gate
// inbound work before handing it to the worker pool; replaces the teacher's
// hand-rolled internal/ratelimit token bucket (deleted — x/time/rate covers
// the same need with the library the rest of the pack already depends on).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates Accept calls to at most ratePerSecond new connections per
// second, with burst as the initial allowance.
type Limiter struct {
	l *rate.Limiter
}

// New constructs a Limiter. A non-positive ratePerSecond disables limiting
// (Wait always returns immediately).
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{l: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until the next accept is permitted, or ctx is done.
func (lim *Limiter) Wait(ctx context.Context) error {
	return lim.l.Wait(ctx)
}
