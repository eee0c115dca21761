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
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/labcore/pkg/backoff"
)

var _ = Describe("Error Helpers", func() {
	Context("when categorizing errors", func() {
		It("should identify each category through wrapping", func() {
			origErr := errors.New("serial port busy") //nolint:err113 // Test needs dynamic error

			Expect(backoff.IsPermanentError(fmt.Errorf("read: %w", backoff.NewPermanentError(origErr)))).To(BeTrue())
			Expect(backoff.IsTransientError(backoff.NewTransientError(origErr))).To(BeTrue())
			Expect(backoff.IsIgnoredError(backoff.NewIgnoredError(origErr))).To(BeTrue())
		})

		It("should treat plain errors as transient", func() {
			plain := errors.New("just a normal error") //nolint:err113 // Test needs dynamic error
			Expect(backoff.CategoryOf(plain)).To(Equal(backoff.CategoryTransient))
			Expect(backoff.IsPermanentError(plain)).To(BeFalse())
		})

		It("should handle nil errors", func() {
			Expect(backoff.IsTransientError(nil)).To(BeFalse())
			Expect(backoff.IsPermanentError(nil)).To(BeFalse())
			Expect(backoff.IsIgnoredError(nil)).To(BeFalse())
		})

		It("should keep the original message", func() {
			err := backoff.NewPermanentError(errors.New("unknown device type")) //nolint:err113 // Test needs dynamic error
			Expect(err.Error()).To(Equal("unknown device type"))
			Expect(backoff.CategoryPermanent.String()).To(Equal("permanent"))
		})
	})

	Context("when extracting original errors", func() {
		It("should extract the original error from wrapped errors", func() {
			origErr := errors.New("original error") //nolint:err113 // Test needs dynamic error
			wrappedErr := fmt.Errorf("device d1: %w", backoff.NewTransientError(origErr))

			Expect(backoff.ExtractOriginalError(wrappedErr)).To(Equal(origErr))
		})

		It("should handle unwrapped errors", func() {
			simpleErr := errors.New("simple error") //nolint:err113 // Test needs dynamic error
			Expect(backoff.ExtractOriginalError(simpleErr)).To(Equal(simpleErr))
		})

		It("should handle nil errors", func() {
			Expect(backoff.ExtractOriginalError(nil)).ToNot(HaveOccurred())
		})
	})
})
