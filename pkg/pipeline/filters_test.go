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

package pipeline_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
	"github.com/united-manufacturing-hub/labcore/pkg/pipeline"
)

func reading(id string, v float64) models.Reading {
	return models.NewReading(id, v, time.Now())
}

func values(p pipeline.Processor[models.Reading], id string, in ...float64) []models.Reading {
	out := make([]models.Reading, 0, len(in))
	for _, v := range in {
		res := p.Process(reading(id, v))
		Expect(res.Success).To(BeTrue())
		out = append(out, res.Data)
	}

	return out
}

var _ = Describe("RangeFilter", func() {
	var f *pipeline.RangeFilter

	BeforeEach(func() {
		var err error
		f, err = pipeline.NewRangeFilter(models.Float(-50), models.Float(200))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should turn a value above the maximum into an ERROR reading", func() {
		res := f.Process(reading("t1", 300))

		Expect(res.Success).To(BeTrue())
		Expect(res.Data.Status).To(Equal(models.StatusError))
		Expect(res.Data.Value).To(BeNil())
		Expect(res.Data.ErrorMessage).To(ContainSubstring("above maximum 200"))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("original_value", 300.0))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("filter_applied", "range_validation"))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("min_allowed", -50.0))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("max_allowed", 200.0))
	})

	It("should report values below the minimum", func() {
		res := f.Process(reading("t1", -60))
		Expect(res.Data.ErrorMessage).To(Equal("Value -60 below minimum -50"))
	})

	It("should pass in-range and non-OK readings through", func() {
		in := reading("t1", 25)
		Expect(f.Process(in).Data).To(Equal(in))

		offline := models.NewOfflineReading("t1", "gone")
		Expect(f.Process(offline).Data).To(Equal(offline))
	})

	It("should only check the bounds it has", func() {
		open, err := pipeline.NewRangeFilter(nil, models.Float(10))
		Expect(err).NotTo(HaveOccurred())
		Expect(open.Process(reading("t1", -1e9)).Data.Status).To(Equal(models.StatusOK))
	})

	It("should reject an inverted range", func() {
		_, err := pipeline.NewRangeFilter(models.Float(10), models.Float(0))
		var cfgErr *pipeline.ConfigurationError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
	})
})

var _ = Describe("OutlierFilter", func() {
	It("should never flag values while the history has no variance", func() {
		f, err := pipeline.NewOutlierFilter(2, 3)
		Expect(err).NotTo(HaveOccurred())

		out := values(f, "t1", 10, 10, 10, 10, 10, 1000)
		for _, r := range out {
			Expect(r.Status).To(Equal(models.StatusOK))
		}
		Expect(*out[5].Value).To(Equal(1000.0))
	})

	It("should flag a value far from a varied history", func() {
		f, err := pipeline.NewOutlierFilter(2, 3)
		Expect(err).NotTo(HaveOccurred())

		values(f, "t1", 10, 11, 9)
		res := f.Process(reading("t1", 50))

		Expect(res.Success).To(BeTrue())
		Expect(res.Data.Status).To(Equal(models.StatusError))
		Expect(res.Data.Value).To(BeNil())
		Expect(res.Data.ErrorMessage).To(HavePrefix("Outlier detected (z-score: "))
		Expect(res.Data.Metadata).To(HaveKey("z_score"))
		Expect(res.Data.Metadata["z_score"]).To(BeNumerically(">", 2))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("mean", 10.0))
		Expect(res.Data.Metadata).To(HaveKeyWithValue("original_value", 50.0))
		Expect(f.History("t1")).To(Equal([]float64{10, 11, 9}))
	})

	It("should cap the history at twice the minimum sample count", func() {
		f, err := pipeline.NewOutlierFilter(100, 2)
		Expect(err).NotTo(HaveOccurred())

		values(f, "t1", 1, 2, 3, 4, 5, 6)
		Expect(f.History("t1")).To(Equal([]float64{3, 4, 5, 6}))
	})

	It("should keep histories per device", func() {
		f, err := pipeline.NewOutlierFilter(2, 3)
		Expect(err).NotTo(HaveOccurred())

		values(f, "t1", 10, 11, 9)
		Expect(f.Process(reading("t2", 50)).Data.Status).To(Equal(models.StatusOK))
	})
})

var _ = Describe("MovingAverageFilter", func() {
	It("should pass values through until the window fills", func() {
		f, err := pipeline.NewMovingAverageFilter(3)
		Expect(err).NotTo(HaveOccurred())

		out := values(f, "t1", 10, 20, 30, 40)
		got := make([]float64, len(out))
		for i, r := range out {
			got[i] = *r.Value
		}

		Expect(got).To(Equal([]float64{10, 20, 20, 30}))
		Expect(out[1].Metadata).NotTo(HaveKey("filter_applied"))
		Expect(out[3].Metadata).To(HaveKeyWithValue("filter_applied", "moving_average"))
		Expect(out[3].Metadata).To(HaveKeyWithValue("window_size", 3))
		Expect(out[3].Metadata).To(HaveKeyWithValue("original_value", 40.0))
	})

	It("should reject a non-positive window", func() {
		_, err := pipeline.NewMovingAverageFilter(0)
		var cfgErr *pipeline.ConfigurationError
		Expect(errors.As(err, &cfgErr)).To(BeTrue())
		Expect(cfgErr.Parameter).To(Equal("window_size"))
	})
})

var _ = Describe("Factory pipelines", func() {
	It("should build the temperature pipeline in order", func() {
		p, err := pipeline.NewTemperaturePipeline("temp", zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())

		ids := []string{}
		for _, s := range p.Stats().Stages {
			ids = append(ids, s.StageID)
		}
		Expect(ids).To(Equal([]string{
			pipeline.StageRangeValidation, pipeline.StageOutlierDetection, pipeline.StageMovingAverage,
		}))

		res := p.Process(reading("t1", 300))
		Expect(res.Success).To(BeTrue())
		Expect(res.Data.Status).To(Equal(models.StatusError))
	})

	It("should build the minimal pipeline", func() {
		p, err := pipeline.NewByName("minimal", "min", zaptest.NewLogger(GinkgoT()).Sugar())
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Process(reading("t1", -300)).Data.Status).To(Equal(models.StatusError))
		Expect(p.Process(reading("t1", 20)).Data.Status).To(Equal(models.StatusOK))
	})

	It("should handle none and unknown names", func() {
		p, err := pipeline.NewByName("none", "x", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(BeNil())

		_, err = pipeline.NewByName("bogus", "x", nil)
		Expect(err).To(HaveOccurred())
	})
})
