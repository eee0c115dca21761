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

package supervisor_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/supervisor"
)

// blockUntilCancelled is work that only ends through cancellation.
func blockUntilCancelled(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ = Describe("Supervisor", func() {
	var (
		sup    *supervisor.Supervisor
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		sup = supervisor.New("test", zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(sup.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		_ = sup.Shutdown(time.Second)
		cancel()
	})

	Describe("Schedule", func() {
		It("should refuse work before Start", func() {
			idle := supervisor.New("idle", zaptest.NewLogger(GinkgoT()).Sugar())
			_, err := idle.Schedule(blockUntilCancelled, "x")
			Expect(err).To(MatchError(supervisor.ErrNotStarted))
			Expect(idle.InstallSignalHandlers(time.Second)).To(MatchError(supervisor.ErrNotStarted))
		})

		It("should refuse a second Start", func() {
			Expect(sup.Start(ctx)).To(MatchError(supervisor.ErrAlreadyStarted))
		})

		It("should generate increasing task ids", func() {
			h1, err := sup.Schedule(blockUntilCancelled, "")
			Expect(err).NotTo(HaveOccurred())
			h2, err := sup.Schedule(blockUntilCancelled, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(h1.ID()).To(Equal("task-1"))
			Expect(h2.ID()).To(Equal("task-2"))
			Expect(sup.Tracked()).To(Equal([]string{"task-1", "task-2"}))
		})

		It("should reject a duplicate id and leave the first task alone", func() {
			first, err := sup.Schedule(blockUntilCancelled, "poll:dev")
			Expect(err).NotTo(HaveOccurred())

			_, err = sup.Schedule(blockUntilCancelled, "poll:dev")
			Expect(err).To(MatchError(supervisor.ErrDuplicateID))

			Consistently(first.Done, 50*time.Millisecond).Should(BeFalse())
			Expect(sup.Len()).To(Equal(1))
			Expect(sup.Handle("poll:dev")).To(BeIdenticalTo(first))
		})

		It("should drop finished tasks from tracking", func() {
			h, err := sup.Schedule(func(context.Context) (any, error) { return 42, nil }, "quick")
			Expect(err).NotTo(HaveOccurred())

			Eventually(sup.Len).Should(BeZero())
			v, err := h.Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(42))
		})

		It("should call the error handler on failure only", func() {
			var failures atomic.Int32
			var gotID atomic.Value

			onError := func(id string, err error) {
				failures.Add(1)
				gotID.Store(id)
			}

			_, err := sup.ScheduleWithErrorHandler(func(context.Context) (any, error) {
				return nil, errors.New("sensor gone") //nolint:err113 // Test needs dynamic error
			}, "bad", onError)
			Expect(err).NotTo(HaveOccurred())

			_, err = sup.ScheduleWithErrorHandler(blockUntilCancelled, "cancelled", onError)
			Expect(err).NotTo(HaveOccurred())
			Expect(sup.Cancel("cancelled", time.Second)).To(BeTrue())

			Eventually(failures.Load).Should(Equal(int32(1)))
			Consistently(failures.Load, 50*time.Millisecond).Should(Equal(int32(1)))
			Expect(gotID.Load()).To(Equal("bad"))
		})

		It("should survive a panicking error handler", func() {
			_, err := sup.ScheduleWithErrorHandler(func(context.Context) (any, error) {
				return nil, errors.New("boom") //nolint:err113 // Test needs dynamic error
			}, "bad", func(string, error) { panic("handler exploded") })
			Expect(err).NotTo(HaveOccurred())

			Eventually(sup.Len).Should(BeZero())

			_, err = sup.Schedule(blockUntilCancelled, "after")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Cancel", func() {
		It("should return false for an unknown id", func() {
			Expect(sup.Cancel("nope", time.Second)).To(BeFalse())
		})

		It("should cancel a cooperative task", func() {
			h, err := sup.Schedule(blockUntilCancelled, "loop")
			Expect(err).NotTo(HaveOccurred())

			Expect(sup.Cancel("loop", time.Second)).To(BeTrue())
			Expect(h.Cancelled()).To(BeTrue())
		})

		It("should return false when the task ignores cancellation past the timeout", func() {
			release := make(chan struct{})
			defer close(release)

			_, err := sup.Schedule(func(context.Context) (any, error) {
				<-release
				return nil, nil
			}, "stubborn")
			Expect(err).NotTo(HaveOccurred())

			Expect(sup.Cancel("stubborn", 20*time.Millisecond)).To(BeFalse())
		})

		It("should return false when the task fails while stopping", func() {
			_, err := sup.Schedule(func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, errors.New("cleanup failed") //nolint:err113 // Test needs dynamic error
			}, "messy")
			Expect(err).NotTo(HaveOccurred())

			Expect(sup.Cancel("messy", time.Second)).To(BeFalse())
		})
	})

	Describe("Shutdown", func() {
		It("should cancel every task and clear tracking", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, err := sup.Schedule(blockUntilCancelled, id)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(sup.Shutdown(time.Second)).To(Succeed())
			Expect(sup.Len()).To(BeZero())
		})

		It("should report tasks still pending after the timeout", func() {
			release := make(chan struct{})
			defer close(release)

			_, err := sup.Schedule(func(context.Context) (any, error) {
				<-release
				return nil, nil
			}, "stuck")
			Expect(err).NotTo(HaveOccurred())

			err = sup.Shutdown(20 * time.Millisecond)
			Expect(err).To(MatchError(supervisor.ErrShutdownTimeout))
			Expect(err.Error()).To(ContainSubstring("stuck"))
			Expect(sup.Len()).To(BeZero())
		})
	})

	Describe("Stop", func() {
		It("should close Done and cancel running tasks", func() {
			h, err := sup.Schedule(blockUntilCancelled, "loop")
			Expect(err).NotTo(HaveOccurred())

			sup.Stop()

			Eventually(sup.Done()).Should(BeClosed())
			Eventually(h.Cancelled).Should(BeTrue())

			_, err = sup.Schedule(blockUntilCancelled, "late")
			Expect(err).To(MatchError(supervisor.ErrNotStarted))
		})
	})

	Describe("InstallSignalHandlers", func() {
		It("should shut down and stop the loop on SIGTERM", func() {
			h, err := sup.Schedule(blockUntilCancelled, "loop")
			Expect(err).NotTo(HaveOccurred())

			quit := make(chan os.Signal, 1)
			Expect(sup.HandleSignals(time.Second, quit)).To(Succeed())
			quit <- syscall.SIGTERM

			Eventually(sup.Done()).Should(BeClosed())
			Expect(h.Cancelled()).To(BeTrue())
			Expect(sup.Len()).To(BeZero())
		})

		It("should refuse to install before Start", func() {
			idle := supervisor.New("idle", nil)
			Expect(idle.InstallSignalHandlers(time.Second)).To(MatchError(supervisor.ErrNotStarted))
		})
	})
})
