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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RateLimiter", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("should reject invalid parameters", func() {
		_, err := NewRateLimiter(0, time.Second, 0)
		var cfgErr *ConfigurationError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Field).To(Equal("rate"))

		_, err = NewRateLimiter(1, 0, 0)
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Field).To(Equal("period"))
	})

	It("should start with a full bucket", func() {
		rl, err := NewRateLimiter(3, time.Second, 10)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 3; i++ {
			Expect(rl.Acquire(ctx)).To(Succeed())
		}
		Expect(rl.Tokens()).To(BeNumerically("<", 1))
	})

	It("should refill lazily from elapsed time and cap at rate", func() {
		rl, err := NewRateLimiter(2, 100*time.Millisecond, 10)
		Expect(err).NotTo(HaveOccurred())

		clock := time.Now()
		rl.now = func() time.Time { return clock }
		rl.updatedAt = clock
		rl.tokens = 0

		clock = clock.Add(50 * time.Millisecond)
		Expect(rl.Tokens()).To(BeNumerically("~", 1.0, 1e-9))

		clock = clock.Add(time.Hour)
		Expect(rl.Tokens()).To(Equal(2.0))
	})

	It("should block until a token has been refilled", func() {
		rl, err := NewRateLimiter(2, 100*time.Millisecond, 10)
		Expect(err).NotTo(HaveOccurred())

		Expect(rl.Acquire(ctx)).To(Succeed())
		Expect(rl.Acquire(ctx)).To(Succeed())

		start := time.Now()
		Expect(rl.Acquire(ctx)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 30*time.Millisecond))
	})

	It("should give up when the context ends while waiting for a token", func() {
		rl, err := NewRateLimiter(1, time.Hour, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(rl.Acquire(ctx)).To(Succeed())
		rl.Release()

		short, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer shortCancel()
		Expect(rl.Acquire(short)).To(MatchError(context.DeadlineExceeded))
	})

	It("should return a concurrency slot on release, not a token", func() {
		rl, err := NewRateLimiter(10, time.Hour, 1)
		Expect(err).NotTo(HaveOccurred())

		Expect(rl.Acquire(ctx)).To(Succeed())

		short, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer shortCancel()
		Expect(rl.Acquire(short)).To(MatchError(context.DeadlineExceeded), "the only slot is held")

		rl.Release()
		Expect(rl.Acquire(ctx)).To(Succeed())
		Expect(rl.Tokens()).To(BeNumerically("<", 8), "three tokens were taken, none given back")
	})
})
