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

package api_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/api"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
)

var _ = Describe("Server", func() {
	var (
		history *fakeHistory
		server  *api.Server
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		server.Handler().ServeHTTP(rec, req)

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		history = &fakeHistory{}
		server = api.New(api.Options{
			Sensors:     fakeSensors{},
			Experiments: fakeExperiments{},
			History:     history,
			Logger:      zaptest.NewLogger(GinkgoT()).Sugar(),
		})
	})

	It("should report health", func() {
		rec := get("/health")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body map[string]any
		decode(rec, &body)
		Expect(body).To(HaveKeyWithValue("status", "ok"))
	})

	It("should expose prometheus metrics", func() {
		rec := get("/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("go_goroutines"))
	})

	It("should export the acquisition gauges in text format", func() {
		metrics.SetDevicesPolling(3)

		rec := get("/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var parser expfmt.TextParser
		families, err := parser.TextToMetricFamilies(rec.Body)
		Expect(err).NotTo(HaveOccurred())

		family, ok := families["labcore_core_devices_polling"]
		Expect(ok).To(BeTrue())
		Expect(family.GetType()).To(Equal(dto.MetricType_GAUGE))
		Expect(family.GetMetric()).To(HaveLen(1))
		Expect(family.GetMetric()[0].GetGauge().GetValue()).To(Equal(3.0))
	})

	It("should list the latest readings", func() {
		rec := get("/api/v1/readings")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(HavePrefix("application/json"))

		var body map[string]map[string]any
		decode(rec, &body)
		Expect(body["t1"]).To(HaveKeyWithValue("value", 21.5))
		Expect(body["t1"]).To(HaveKeyWithValue("status", "ok"))
	})

	It("should list sensors sorted by id", func() {
		rec := get("/api/v1/sensors")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body []map[string]any
		decode(rec, &body)
		Expect(body).To(HaveLen(2))
		Expect(body[0]).To(HaveKeyWithValue("id", "t1"))
		Expect(body[0]).To(HaveKeyWithValue("polling", true))
		Expect(body[0]).To(HaveKeyWithValue("sensor_type", "simulated"))
		Expect(body[1]).To(HaveKeyWithValue("status", "offline"))
	})

	It("should show one sensor with its reading", func() {
		rec := get("/api/v1/sensors/t1")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body map[string]any
		decode(rec, &body)
		Expect(body).To(HaveKeyWithValue("connected", true))
		Expect(body["reading"]).To(HaveKeyWithValue("device_id", "t1"))

		rec = get("/api/v1/sensors/t2")
		decode(rec, &body)
		Expect(rec.Code).To(Equal(http.StatusOK))

		Expect(get("/api/v1/sensors/nope").Code).To(Equal(http.StatusNotFound))
	})

	It("should page through history", func() {
		rec := get("/api/v1/sensors/t1/history")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(history.category).To(Equal("raw"))
		Expect(history.limit).To(Equal(api.DefaultHistoryLimit))

		rec = get("/api/v1/sensors/t1/history?category=processed&limit=5")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(history.category).To(Equal("processed"))
		Expect(history.limit).To(Equal(5))

		var body []map[string]any
		decode(rec, &body)
		Expect(body).To(HaveLen(1))

		Expect(get("/api/v1/sensors/t1/history?limit=0").Code).To(Equal(http.StatusBadRequest))
		Expect(get("/api/v1/sensors/t1/history?limit=abc").Code).To(Equal(http.StatusBadRequest))
	})

	It("should map storage failures to server errors", func() {
		Expect(get("/api/v1/sensors/invalid/history").Code).To(Equal(http.StatusBadRequest))
		Expect(get("/api/v1/sensors/closed/history").Code).To(Equal(http.StatusServiceUnavailable))
		Expect(get("/api/v1/sensors/broken/history").Code).To(Equal(http.StatusInternalServerError))
	})

	It("should list experiments and skip vanished ones", func() {
		rec := get("/api/v1/experiments")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body []map[string]any
		decode(rec, &body)
		Expect(body).To(HaveLen(1))
		Expect(body[0]).To(HaveKeyWithValue("experiment_id", "run_1"))
	})

	It("should show one experiment", func() {
		rec := get("/api/v1/experiments/run_1")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body map[string]any
		decode(rec, &body)
		Expect(body).To(HaveKeyWithValue("state", "running"))

		Expect(get("/api/v1/experiments/gone").Code).To(Equal(http.StatusNotFound))
	})

	It("should report the orchestrator state", func() {
		rec := get("/api/v1/experiment/state")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body map[string]any
		decode(rec, &body)
		Expect(body).To(Equal(map[string]any{
			"state":      "running",
			"phase":      "warmup",
			"experiment": "run_1",
		}))
	})

	It("should answer 503 for missing collaborators", func() {
		bare := api.New(api.Options{Logger: zaptest.NewLogger(GinkgoT()).Sugar()})

		for _, path := range []string{
			"/api/v1/readings",
			"/api/v1/sensors",
			"/api/v1/sensors/t1",
			"/api/v1/sensors/t1/history",
			"/api/v1/experiments",
			"/api/v1/experiments/run_1",
			"/api/v1/experiment/state",
		} {
			rec := httptest.NewRecorder()
			bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable), path)
		}
	})
})
