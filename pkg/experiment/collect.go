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

package experiment

import (
	"context"
	"encoding/csv"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
	"github.com/united-manufacturing-hub/labcore/pkg/metrics"
	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const (
	SummaryFileName = "experiment_summary.csv"
	// CategoryRaw is the persistence category of experiment readings.
	CategoryRaw = "raw"
)

var summaryHeader = []string{
	"timestamp",
	"phase",
	"sensor_count",
	"controller_count",
	"valid_sensors",
	"error_sensors",
	"total_data_points",
}

// AddDataCallback registers cb for every collected data point.
func (o *Orchestrator) AddDataCallback(cb DataFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dataCallbacks = append(o.dataCallbacks, cb)
}

// CollectedData returns the data points of the current or last experiment.
func (o *Orchestrator) CollectedData() []DataPoint {
	o.bufMu.Lock()
	defer o.bufMu.Unlock()

	return slices.Clone(o.buffer)
}

func (o *Orchestrator) collectLoop(ctx context.Context, interval time.Duration) error {
	o.log.Debugw("Starting data collection loop", "interval", interval)

	for {
		if o.State() == StateRunning {
			o.collect()
		}

		if err := ctxutil.Sleep(ctx, interval); err != nil {
			o.log.Debug("Data collection loop cancelled")
			return err
		}
	}
}

// collect takes one snapshot. Failures are counted on the result and never
// stop the loop.
func (o *Orchestrator) collect() {
	o.mu.RLock()
	id := o.current
	phase := o.phase
	var (
		metadataDir string
		collected   int
	)
	if r, ok := o.results[id]; ok {
		metadataDir = r.ResultDirectory
		collected = r.DataPointsCollected
	}
	callbacks := slices.Clone(o.dataCallbacks)
	o.mu.RUnlock()

	if id == "" {
		return
	}

	dp := DataPoint{
		Timestamp:         models.UnixSeconds(time.Now()),
		ExperimentID:      id,
		Phase:             phase,
		SensorReadings:    make(map[string]models.Reading),
		ControllerOutputs: make(map[string]any),
	}

	if o.devices != nil {
		// LatestReadings hands out clones
		dp.SensorReadings = o.devices.LatestReadings()
	}

	warnings := 0

	if o.controllers != nil {
		outputs, err := o.controllers.ControllerOutputs()
		if err != nil {
			o.log.Warnw("Failed to get controller outputs", "error", err)
			warnings++
		} else if err := deepcopy.Copy(&dp.ControllerOutputs, &outputs); err != nil {
			o.log.Warnw("Failed to snapshot controller outputs", "error", err)
			dp.ControllerOutputs = make(map[string]any)
			warnings++
		}

		if dp.ControllerOutputs == nil {
			dp.ControllerOutputs = make(map[string]any)
		}
	}

	o.bufMu.Lock()
	o.buffer = append(o.buffer, dp)
	o.bufMu.Unlock()

	errs := o.persist(dp)

	if metadataDir != "" {
		if err := appendSummaryRow(filepath.Join(metadataDir, SummaryFileName), dp, collected+1); err != nil {
			o.log.Errorw("Failed to save experiment summary", "experiment", id, "error", err)
			errs++
		}
	}

	for _, cb := range callbacks {
		o.notifyData(cb, dp)
	}

	o.mu.Lock()
	if r, ok := o.results[id]; ok {
		r.DataPointsCollected++
		r.SensorReadingsCount += len(dp.SensorReadings)
		r.ControllerOutputsCount += len(dp.ControllerOutputs)
		r.ErrorsCount += errs
		r.WarningsCount += warnings
	}
	o.mu.Unlock()

	metrics.IncExperimentDataPoints()
}

// persist saves every reading of dp tagged with the experiment context and
// returns how many saves failed.
func (o *Orchestrator) persist(dp DataPoint) int {
	if o.saver == nil {
		return 0
	}

	sensors := make([]string, 0, len(dp.SensorReadings))
	for sensor := range dp.SensorReadings {
		sensors = append(sensors, sensor)
	}
	sort.Strings(sensors)

	failed := 0

	for _, sensor := range sensors {
		r := dp.SensorReadings[sensor].WithMetadata(map[string]any{
			"experiment_id":      dp.ExperimentID,
			"experiment_phase":   string(dp.Phase),
			"original_sensor_id": sensor,
		})
		r.DeviceID = dp.ExperimentID + "_" + sensor
		r.Timestamp = dp.Timestamp

		if err := o.saver.Save(r, CategoryRaw); err != nil {
			o.log.Errorw("Failed to save experiment reading", "experiment", dp.ExperimentID,
				"sensor", sensor, "error", err)
			failed++
		}
	}

	return failed
}

func (o *Orchestrator) notifyData(cb DataFunc, dp DataPoint) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warnw("Error in data callback", "panic", r)
		}
	}()

	cb(dp)
}

func appendSummaryRow(path string, dp DataPoint, total int) error {
	_, statErr := os.Stat(path)
	writeHeader := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	valid := 0

	for _, r := range dp.SensorReadings {
		if r.Status == models.StatusOK {
			valid++
		}
	}

	w := csv.NewWriter(f)

	if writeHeader {
		_ = w.Write(summaryHeader)
	}

	_ = w.Write([]string{
		strconv.FormatFloat(dp.Timestamp, 'f', 6, 64),
		string(dp.Phase),
		strconv.Itoa(len(dp.SensorReadings)),
		strconv.Itoa(len(dp.ControllerOutputs)),
		strconv.Itoa(valid),
		strconv.Itoa(len(dp.SensorReadings) - valid),
		strconv.Itoa(total),
	})
	w.Flush()

	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
