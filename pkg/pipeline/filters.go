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

package pipeline

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

// All reading filters pass through readings that are not OK or carry no value.
// Values they reject become ERROR readings; the stage itself still succeeds.

// RangeFilter flags readings outside [Min, Max]. A nil bound is not checked.
type RangeFilter struct {
	Min *float64
	Max *float64
}

func NewRangeFilter(minValue, maxValue *float64) (*RangeFilter, error) {
	if minValue != nil && maxValue != nil && *minValue > *maxValue {
		return nil, &ConfigurationError{
			Parameter: "range",
			Reason:    fmt.Sprintf("minimum %v is greater than maximum %v", *minValue, *maxValue),
		}
	}

	return &RangeFilter{Min: minValue, Max: maxValue}, nil
}

func (f *RangeFilter) Process(r models.Reading) Result[models.Reading] {
	if !r.IsValid() {
		return Ok(r)
	}

	v := *r.Value

	var msgs []string
	if f.Min != nil && v < *f.Min {
		msgs = append(msgs, fmt.Sprintf("Value %v below minimum %v", v, *f.Min))
	}

	if f.Max != nil && v > *f.Max {
		msgs = append(msgs, fmt.Sprintf("Value %v above maximum %v", v, *f.Max))
	}

	if len(msgs) == 0 {
		return Ok(r)
	}

	return Ok(r.
		WithValue(nil).
		WithStatus(models.StatusError, strings.Join(msgs, "; ")).
		WithMetadata(map[string]any{
			"filter_applied": "range_validation",
			"original_value": v,
			"min_allowed":    bound(f.Min),
			"max_allowed":    bound(f.Max),
		}))
}

func bound(b *float64) any {
	if b == nil {
		return nil
	}

	return *b
}

// OutlierFilter flags values more than ThresholdStd population standard
// deviations from the mean of a per-device history.
type OutlierFilter struct {
	ThresholdStd float64
	MinSamples   int

	mu      sync.Mutex
	history map[string][]float64
}

func NewOutlierFilter(thresholdStd float64, minSamples int) (*OutlierFilter, error) {
	if thresholdStd <= 0 {
		return nil, &ConfigurationError{Parameter: "threshold_std", Reason: "must be positive"}
	}

	if minSamples <= 0 {
		return nil, &ConfigurationError{Parameter: "min_samples", Reason: "must be positive"}
	}

	return &OutlierFilter{
		ThresholdStd: thresholdStd,
		MinSamples:   minSamples,
		history:      make(map[string][]float64),
	}, nil
}

func (f *OutlierFilter) Process(r models.Reading) Result[models.Reading] {
	if !r.IsValid() {
		return Ok(r)
	}

	v := *r.Value

	f.mu.Lock()
	defer f.mu.Unlock()

	history := f.history[r.DeviceID]
	if len(history) < f.MinSamples {
		f.history[r.DeviceID] = append(history, v)
		return Ok(r)
	}

	mean, std := stat.PopMeanStdDev(history, nil)
	if std > 0 {
		z := math.Abs(v-mean) / std
		if z > f.ThresholdStd {
			// outliers never enter the history
			return Ok(r.
				WithValue(nil).
				WithStatus(models.StatusError, fmt.Sprintf("Outlier detected (z-score: %.2f)", z)).
				WithMetadata(map[string]any{
					"filter_applied": "outlier_detection",
					"z_score":        z,
					"original_value": v,
					"mean":           mean,
					"std_dev":        std,
				}))
		}
	}

	history = append(history, v)
	if len(history) > 2*f.MinSamples {
		history = history[1:]
	}
	f.history[r.DeviceID] = history

	return Ok(r)
}

// History returns a copy of the samples kept for deviceID.
func (f *OutlierFilter) History(deviceID string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]float64(nil), f.history[deviceID]...)
}

// MovingAverageFilter replaces each value with the mean of the last
// WindowSize values once the window is full.
type MovingAverageFilter struct {
	WindowSize int

	mu      sync.Mutex
	windows map[string][]float64
}

func NewMovingAverageFilter(windowSize int) (*MovingAverageFilter, error) {
	if windowSize <= 0 {
		return nil, &ConfigurationError{Parameter: "window_size", Reason: "must be positive"}
	}

	return &MovingAverageFilter{
		WindowSize: windowSize,
		windows:    make(map[string][]float64),
	}, nil
}

func (f *MovingAverageFilter) Process(r models.Reading) Result[models.Reading] {
	if !r.IsValid() {
		return Ok(r)
	}

	v := *r.Value

	f.mu.Lock()
	window := append(f.windows[r.DeviceID], v)
	if len(window) > f.WindowSize {
		window = window[len(window)-f.WindowSize:]
	}
	f.windows[r.DeviceID] = window

	full := len(window) == f.WindowSize
	avg := stat.Mean(window, nil)
	f.mu.Unlock()

	if !full {
		return Ok(r)
	}

	return Ok(r.
		WithValue(models.Float(avg)).
		WithMetadata(map[string]any{
			"filter_applied": "moving_average",
			"window_size":    f.WindowSize,
			"original_value": v,
		}))
}
