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

package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/labcore/pkg/config"
	"github.com/united-manufacturing-hub/labcore/pkg/experiment"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const sampleConfig = `
acquisition:
  workers: 4
  reconnect_threshold: 5
  stop_timeout_seconds: 1.5
pipeline:
  name: minimal
storage:
  in_memory: true
experiments:
  base_dir: /tmp/experiments
  auto_compress: true
  autostart:
    name: warmup
    duration_minutes: 30
    auto_start_sensors: true
devices:
  - device_id: oven
    device_type: simulated
    poll_interval_ms: 250
    parameters:
      offset: 180
  - device_id: host
    device_type: system
    enabled: false
    parameters:
      metric: memory
`

var _ = Describe("Parse", func() {
	It("should decode a full document and apply defaults", func() {
		cfg, err := config.Parse([]byte(sampleConfig))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Acquisition.Workers).To(Equal(4))
		Expect(cfg.Acquisition.StopTimeout()).To(Equal(1500 * time.Millisecond))
		Expect(cfg.Pipeline).To(Equal(config.PipelineConfig{Name: "minimal", ID: "readings"}))
		Expect(cfg.Storage.DataDir).To(Equal(config.DefaultDataDir))
		Expect(cfg.API.Addr).To(Equal(config.DefaultAPIAddr))

		Expect(cfg.Devices).To(HaveLen(2))
		Expect(cfg.Devices[0].Enabled).To(BeTrue())
		Expect(cfg.Devices[0].FloatParam("offset", 0)).To(Equal(180.0))
		Expect(cfg.Devices[1].Enabled).To(BeFalse())

		Expect(cfg.Experiments.Autostart).NotTo(BeNil())
		Expect(cfg.Experiments.Autostart.Duration()).To(Equal(30 * time.Minute))
		Expect(cfg.Experiments.Autostart.DataCollectionIntervalMs).To(Equal(experiment.DefaultCollectionIntervalMs))
		Expect(cfg.Experiments.Autostart.AutoCompress).To(BeTrue())
	})

	It("should reject empty documents", func() {
		_, err := config.Parse(nil)
		Expect(err).To(MatchError(config.ErrEmptyConfig))

		_, err = config.Parse([]byte("devices: []\n"))
		Expect(err).To(MatchError(config.ErrEmptyConfig))
	})

	It("should reject unknown keys", func() {
		_, err := config.Parse([]byte("pipelines:\n  name: minimal\n"))
		Expect(err).To(HaveOccurred())
	})

	It("should report every invalid device", func() {
		_, err := config.Parse([]byte(`
devices:
  - device_id: a
    device_type: simulated
  - device_id: a
    device_type: simulated
  - device_id: b
  - device_id: c
    device_type: simulated
    poll_interval_ms: -1
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(`"a": device_id is duplicated`))
		Expect(err.Error()).To(ContainSubstring(`"b": device_type must not be empty`))
		Expect(err.Error()).To(ContainSubstring(`"c": poll_interval_ms must not be negative`))

		var vErr *config.ValidationError
		Expect(errors.As(err, &vErr)).To(BeTrue())
	})

	It("should validate the autostart experiment", func() {
		_, err := config.Parse([]byte("experiments:\n  autostart:\n    duration_minutes: 5\n"))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("experiments.autostart"))
	})
})

var _ = Describe("ValidateDeviceConfig", func() {
	It("should accept a minimal entry", func() {
		Expect(config.ValidateDeviceConfig(models.DeviceConfig{DeviceID: "t1", DeviceType: "simulated"})).To(Succeed())
	})

	It("should reject ids that would escape a directory", func() {
		var vErr *config.ValidationError
		err := config.ValidateDeviceConfig(models.DeviceConfig{DeviceID: "../t1", DeviceType: "simulated"})
		Expect(errors.As(err, &vErr)).To(BeTrue())
		Expect(vErr.Field).To(Equal("device_id"))
	})
})

var _ = Describe("FileConfigManager", func() {
	var (
		ctx     context.Context
		path    string
		manager *config.FileConfigManager
	)

	BeforeEach(func() {
		ctx = context.Background()
		path = filepath.Join(GinkgoT().TempDir(), "nested", "labcore.yaml")

		policy := config.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Factor: 1}
		manager = config.NewFileConfigManager(path, zaptest.NewLogger(GinkgoT()).Sugar()).WithRetryPolicy(policy)
	})

	It("should report a missing file", func() {
		_, err := manager.GetConfig(ctx)
		Expect(err).To(MatchError(config.ErrConfigNotFound))
		Expect(manager.DeviceConfigs()).To(BeEmpty())
	})

	It("should write defaults when no file exists", func() {
		cfg, err := manager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(BeAnExistingFile())

		Expect(cfg.Devices).To(HaveLen(1))
		Expect(cfg.Devices[0].DeviceID).To(Equal("sim-1"))
		Expect(cfg.Pipeline.Name).To(Equal(config.DefaultPipeline))
		Expect(manager.DeviceConfigs()).To(Equal(cfg.Devices))
	})

	It("should keep an existing file", func() {
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(sampleConfig), 0o644)).To(Succeed())

		cfg, err := manager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Pipeline.Name).To(Equal("minimal"))
		Expect(manager.Config().Devices).To(HaveLen(2))
	})

	It("should not overwrite a broken file", func() {
		Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(""), 0o644)).To(Succeed())

		_, err := manager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
		Expect(err).To(MatchError(config.ErrEmptyConfig))

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(BeEmpty())
	})

	It("should hand out copies of the device configs", func() {
		_, err := manager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
		Expect(err).NotTo(HaveOccurred())

		devices := manager.DeviceConfigs()
		devices[0].Parameters["offset"] = -1.0
		devices[0].DeviceID = "changed"

		again := manager.DeviceConfigs()
		Expect(again[0].DeviceID).To(Equal("sim-1"))
		Expect(again[0].FloatParam("offset", 0)).To(Equal(21.0))
	})

	Describe("atomic updates", func() {
		BeforeEach(func() {
			_, err := manager.GetConfigOrCreateNew(ctx, config.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())
		})

		It("should toggle a device and persist it", func() {
			Expect(manager.AtomicSetDeviceEnabled(ctx, "sim-1", false)).To(Succeed())
			Expect(manager.DeviceConfigs()[0].Enabled).To(BeFalse())

			reread := config.NewFileConfigManager(path, zaptest.NewLogger(GinkgoT()).Sugar())
			cfg, err := reread.GetConfig(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Devices[0].Enabled).To(BeFalse())
		})

		It("should reject unknown devices", func() {
			var vErr *config.ValidationError
			err := manager.AtomicSetDeviceEnabled(ctx, "ghost", true)
			Expect(errors.As(err, &vErr)).To(BeTrue())
			Expect(vErr.DeviceID).To(Equal("ghost"))
		})

		It("should add and replace devices", func() {
			probe := models.DeviceConfig{DeviceID: "host", DeviceType: "system", Enabled: true}
			Expect(manager.AtomicUpsertDevice(ctx, probe)).To(Succeed())

			probe.PollIntervalMs = 5000
			Expect(manager.AtomicUpsertDevice(ctx, probe)).To(Succeed())

			devices := manager.DeviceConfigs()
			Expect(devices).To(HaveLen(2))
			Expect(devices[1].DeviceID).To(Equal("host"))
			Expect(devices[1].PollIntervalMs).To(Equal(5000))

			Expect(manager.AtomicUpsertDevice(ctx, models.DeviceConfig{DeviceID: "x"})).NotTo(Succeed())
			Expect(manager.DeviceConfigs()).To(HaveLen(2))
		})

		It("should give up when the context is done", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(manager.AtomicSetDeviceEnabled(cancelled, "sim-1", false)).NotTo(Succeed())
			Expect(manager.DeviceConfigs()[0].Enabled).To(BeTrue())
		})
	})
})
