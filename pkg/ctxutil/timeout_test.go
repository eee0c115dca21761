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

package ctxutil_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
)

var _ = Describe("HasSufficientTime", func() {
	It("should return error for context with no deadline", func() {
		remaining, sufficient, err := ctxutil.HasSufficientTime(context.Background(), time.Millisecond*10)

		Expect(sufficient).To(BeFalse())
		Expect(err).To(MatchError(ctxutil.ErrNoDeadline))
		Expect(remaining).To(Equal(time.Duration(0)))
	})

	It("should return sufficient=true for context with enough time", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		remaining, sufficient, err := ctxutil.HasSufficientTime(ctx, time.Millisecond*100)

		Expect(sufficient).To(BeTrue())
		Expect(err).ToNot(HaveOccurred())
		Expect(remaining).To(BeNumerically(">", 0))
	})

	It("should not treat insufficient time as an error", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*5)
		defer cancel()

		_, sufficient, err := ctxutil.HasSufficientTime(ctx, time.Second)

		Expect(sufficient).To(BeFalse())
		Expect(err).ToNot(HaveOccurred())
	})
})

var _ = Describe("RunWithTimeout", func() {
	It("should hand a deadline to the wrapped function", func() {
		_, err := ctxutil.RunWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should return the value when fn finishes in time", func() {
		v, err := ctxutil.RunWithTimeout(context.Background(), time.Second, func(context.Context) (string, error) {
			return "ok", nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("ok"))
	})
})

var _ = Describe("Sleep", func() {
	It("should return early when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		Expect(ctxutil.Sleep(ctx, time.Hour)).To(MatchError(context.Canceled))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("should sleep for the full duration otherwise", func() {
		start := time.Now()
		Expect(ctxutil.Sleep(context.Background(), 10*time.Millisecond)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 10*time.Millisecond))
	})
})
