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

package backoff_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
)

var _ = Describe("RetryPolicy", func() {
	var (
		policy backoff.RetryPolicy
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		policy = backoff.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Factor:      2,
			Jitter:      time.Millisecond,
			Name:        "test-op",
			Logger:      zaptest.NewLogger(GinkgoT()).Sugar(),
		}
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("should succeed once a transient failure clears", func() {
		calls := 0
		err := policy.Do(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet") //nolint:err113 // Test needs dynamic error
			}
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("should return the last error after exhausting all attempts", func() {
		calls := 0
		err := policy.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("still broken") //nolint:err113 // Test needs dynamic error
		})
		Expect(err).To(MatchError("still broken"))
		Expect(calls).To(Equal(3))
	})

	It("should never retry cancellation", func() {
		calls := 0
		err := policy.Do(ctx, func(context.Context) error {
			calls++
			return context.Canceled
		})
		Expect(err).To(MatchError(context.Canceled))
		Expect(calls).To(Equal(1))
	})

	It("should never retry permanent errors", func() {
		calls := 0
		err := policy.Do(ctx, func(context.Context) error {
			calls++
			return backoff.NewPermanentError(errors.New("bad config")) //nolint:err113 // Test needs dynamic error
		})
		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(calls).To(Equal(1))
	})

	It("should stop sleeping when the context is cancelled", func() {
		policy.BaseDelay = time.Hour
		shortCtx, shortCancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			shortCancel()
		}()

		start := time.Now()
		err := policy.Do(shortCtx, func(context.Context) error {
			return errors.New("flaky") //nolint:err113 // Test needs dynamic error
		})
		Expect(err).To(MatchError(context.Canceled))
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})

	It("should keep retrying when the deadline is shorter than the next delay", func() {
		policy.BaseDelay = time.Hour
		policy.Jitter = 0
		deadlineCtx, deadlineCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer deadlineCancel()

		calls := 0
		start := time.Now()
		err := policy.Do(deadlineCtx, func(context.Context) error {
			calls++
			return errors.New("transient") //nolint:err113 // Test needs dynamic error
		})
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(calls).To(Equal(1))
		Expect(time.Since(start)).To(BeNumerically(">=", 40*time.Millisecond))
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})

	It("should not call the operation with an already cancelled context", func() {
		doneCtx, doneCancel := context.WithCancel(ctx)
		doneCancel()

		calls := 0
		err := policy.Do(doneCtx, func(context.Context) error {
			calls++
			return nil
		})
		Expect(err).To(MatchError(context.Canceled))
		Expect(calls).To(Equal(0))
	})

	It("should return the value from Retry", func() {
		calls := 0
		v, err := backoff.Retry(ctx, policy, func(context.Context) (float64, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("timeout") //nolint:err113 // Test needs dynamic error
			}
			return 21.5, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(21.5))
	})

	It("should use the documented defaults", func() {
		p := backoff.DefaultRetryPolicy("x")
		Expect(p.MaxAttempts).To(Equal(3))
		Expect(p.BaseDelay).To(Equal(500 * time.Millisecond))
		Expect(p.Factor).To(Equal(2.0))
		Expect(p.Jitter).To(Equal(100 * time.Millisecond))
	})
})
