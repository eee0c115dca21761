// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ctxutil

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil/ctxmutex"
)

// ConfigurationError reports an invalid constructor argument.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimiter is a token bucket holding at most rate tokens, refilled at
// rate tokens per period. Besides the token it hands out a concurrency slot
// (burst slots, or rate slots when burst <= 0) that the caller gives back with Release.
type RateLimiter struct {
	rate   float64
	period time.Duration

	mu        *ctxmutex.CtxMutex
	tokens    float64
	updatedAt time.Time

	slots *semaphore.Weighted

	// now is replaceable in tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter that starts with a full bucket.
func NewRateLimiter(rate int, period time.Duration, burst int) (*RateLimiter, error) {
	if rate <= 0 {
		return nil, &ConfigurationError{Field: "rate", Reason: "must be > 0"}
	}
	if period <= 0 {
		return nil, &ConfigurationError{Field: "period", Reason: "must be > 0"}
	}

	slots := burst
	if slots <= 0 {
		slots = rate
	}

	return &RateLimiter{
		rate:      float64(rate),
		period:    period,
		mu:        ctxmutex.NewCtxMutex(),
		tokens:    float64(rate),
		updatedAt: time.Now(),
		slots:     semaphore.NewWeighted(int64(slots)),
		now:       time.Now,
	}, nil
}

// Acquire blocks until a token and a concurrency slot are available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if err := r.mu.Lock(ctx); err != nil {
			return err
		}

		r.refillLocked()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()

			break
		}
		wait := time.Duration((1 - r.tokens) * float64(r.period) / r.rate)
		r.mu.Unlock()

		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}

	return r.slots.Acquire(ctx, 1)
}

// Release returns the concurrency slot taken by a successful Acquire.
// Tokens are never returned; they only come back through refill.
func (r *RateLimiter) Release() {
	r.slots.Release(1)
}

// Tokens returns the current (refilled) token count.
func (r *RateLimiter) Tokens() float64 {
	_ = r.mu.Lock(context.Background())
	defer r.mu.Unlock()

	r.refillLocked()

	return r.tokens
}

func (r *RateLimiter) refillLocked() {
	now := r.now()
	elapsed := now.Sub(r.updatedAt)
	if elapsed <= 0 {
		return
	}

	r.tokens = min(r.rate, r.tokens+elapsed.Seconds()*r.rate/r.period.Seconds())
	r.updatedAt = now
}
