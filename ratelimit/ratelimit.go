// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client admission control for fetches.
package ratelimit

import (
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/stacklok/agentfetch/fetcherr"
	"github.com/stacklok/agentfetch/policy"
)

// Limiter combines a token bucket with a concurrency cap. Admission is
// non-blocking: a fetch that cannot be admitted immediately is rejected, so
// agent misuse cannot build an unbounded queue. Either mechanism may be
// disabled; the zero-config Limiter admits everything.
type Limiter struct {
	bucket *rate.Limiter
	sem    *semaphore.Weighted
}

// New builds a Limiter. rl enables the token bucket when non-nil;
// maxConcurrent enables the concurrency cap when positive.
func New(rl *policy.RateLimit, maxConcurrent int64) *Limiter {
	l := &Limiter{}
	if rl != nil && rl.Requests > 0 && rl.Interval > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = rl.Requests
		}
		l.bucket = rate.NewLimiter(
			rate.Limit(float64(rl.Requests)/rl.Interval.Seconds()), burst)
	}
	if maxConcurrent > 0 {
		l.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return l
}

// Acquire attempts to admit one fetch. On success it returns a release
// function that must be called when the fetch completes; on failure it
// returns a RateLimited error. The concurrency slot is taken before the
// token so a refused token does not leak a slot, and a bucket token is
// never returned once taken.
func (l *Limiter) Acquire() (func(), error) {
	release := func() {}
	if l.sem != nil {
		if !l.sem.TryAcquire(1) {
			return nil, fetcherr.New(fetcherr.KindRateLimited, "too many concurrent requests")
		}
		release = func() { l.sem.Release(1) }
	}
	if l.bucket != nil && !l.bucket.Allow() {
		release()
		return nil, fetcherr.New(fetcherr.KindRateLimited, "")
	}
	return release, nil
}
