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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
)

var _ = Describe("TaskHandle", func() {
	It("should report ErrTaskNotDone while the work runs", func() {
		release := make(chan struct{})
		h := ctxutil.Go(context.Background(), "task-1", func(ctx context.Context) (int, error) {
			<-release
			return 7, nil
		})

		Expect(h.ID()).To(Equal("task-1"))
		Expect(h.Done()).To(BeFalse())
		_, err := h.Result()
		Expect(err).To(MatchError(ctxutil.ErrTaskNotDone))

		close(release)
		Eventually(h.DoneChan()).Should(BeClosed())

		v, err := h.Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(7))
	})

	It("should turn a panic into a PanicError", func() {
		h := ctxutil.Go(context.Background(), "boom", func(ctx context.Context) (any, error) {
			panic("sensor exploded")
		})
		Eventually(h.DoneChan()).Should(BeClosed())

		var pe *ctxutil.PanicError
		Expect(errors.As(h.Err(), &pe)).To(BeTrue())
		Expect(pe.TaskID).To(Equal("boom"))
		Expect(pe.Value).To(Equal("sensor exploded"))
		Expect(pe.Stack).NotTo(BeEmpty())
	})

	It("should cancel cooperatively", func() {
		h := ctxutil.Go(context.Background(), "loop", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		h.Cancel()
		_, err := h.Wait(context.Background())
		Expect(err).To(MatchError(context.Canceled))
		Expect(h.Cancelled()).To(BeTrue())
	})

	It("should leave the work running when Wait times out", func() {
		release := make(chan struct{})
		h := ctxutil.Go(context.Background(), "slow", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := h.Wait(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(h.Done()).To(BeFalse())

		close(release)
		Eventually(h.Done).Should(BeTrue())
		Expect(h.Cancelled()).To(BeFalse())
	})
})
