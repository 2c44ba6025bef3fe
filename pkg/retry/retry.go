// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task to execute with retries in the Do method.
// On every execution, it receives the attempt number.
// It should return true if it completed successfully and false to retry.
type Task func(int) (done bool)

// Retrier runs tasks with jittered exponential backoff.
type Retrier struct {
	// MinSleep is the initial (and shortest) sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent in Do.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, limits the number of attempts.
	MaxNumRetries int
}

// Do executes the given Task, retrying while it returns false.
// If the task returns true, Do returns (true, false).
// If it hits the retry count or time bound, it returns (false, false).
// If the context is cancelled, it returns (false, true).
func (r *Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	start := time.Now()
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && time.Since(start)+backoff > r.MaxRetry {
			return false, false
		}
		if task(i) {
			return true, false
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, true
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
