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

package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/logger"
)

// RetryPolicy retries an operation with exponential backoff plus additive jitter.
//
// The delay before attempt n+1 is BaseDelay*Factor^(n-1) plus a uniform random
// value in [0, Jitter). Cancellation and permanent errors are never retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      time.Duration
	// MaxDelay caps a single delay when > 0.
	MaxDelay time.Duration

	// Name shows up in the retry log lines.
	Name   string
	Logger *zap.SugaredLogger
}

// DefaultRetryPolicy returns 3 attempts, 500ms base delay, factor 2 and 100ms jitter.
func DefaultRetryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2.0,
		Jitter:      100 * time.Millisecond,
		Name:        name,
	}
}

// exponentialJitter implements the cenkalti BackOff interface with additive jitter.
type exponentialJitter struct {
	policy  RetryPolicy
	attempt int
}

func (b *exponentialJitter) Reset() { b.attempt = 0 }

func (b *exponentialJitter) NextBackOff() time.Duration {
	delay := float64(b.policy.BaseDelay) * math.Pow(b.policy.Factor, float64(b.attempt))
	b.attempt++

	if b.policy.Jitter > 0 {
		delay += rand.Float64() * float64(b.policy.Jitter)
	}
	if b.policy.MaxDelay > 0 && delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}

	return time.Duration(delay)
}

// sleepContext hides the parent deadline from cenkalti, which otherwise stops
// retrying as soon as the next delay would run past it. Done and Err still end
// the wait.
type sleepContext struct {
	context.Context
}

func (sleepContext) Deadline() (time.Time, bool) { return time.Time{}, false }

// isCancellation reports whether err is a cooperative cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do runs op until it succeeds, MaxAttempts is exhausted, ctx is done or op
// returns a cancellation or permanent error. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	log := logger.OrDefault(p.Logger, logger.ComponentRetry)

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if p.Factor <= 0 {
		p.Factor = 1
	}

	var (
		attempt int
		lastErr error
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return &cbackoff.PermanentError{Err: err}
		}

		attempt++
		err := op(ctx)
		lastErr = err
		if err == nil {
			return nil
		}
		if isCancellation(err) || IsPermanentError(err) {
			return &cbackoff.PermanentError{Err: err}
		}

		return err
	}

	notify := func(err error, next time.Duration) {
		log.Warnw("retry_scheduled",
			"operation", p.Name,
			"attempt", attempt,
			"sleep", next.String(),
			"error", err)
	}

	// WithMaxRetries treats 0 as unlimited, so a single attempt needs StopBackOff.
	var schedule cbackoff.BackOff = &cbackoff.StopBackOff{}
	if attempts > 1 {
		schedule = cbackoff.WithMaxRetries(&exponentialJitter{policy: p}, uint64(attempts-1))
	}
	policy := cbackoff.WithContext(schedule, sleepContext{ctx})

	err := cbackoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}

	// RetryNotify returns the operation error when the context ends mid-sleep.
	if ctxErr := ctx.Err(); ctxErr != nil && !isCancellation(err) {
		return ctxErr
	}

	if !isCancellation(err) && !IsPermanentError(err) {
		log.Errorw("retry_exhausted",
			"operation", p.Name,
			"attempts", attempt,
			"error", lastErr)
	}

	return err
}

// Retry is the value-returning form of RetryPolicy.Do.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v

		return nil
	})

	return result, err
}
