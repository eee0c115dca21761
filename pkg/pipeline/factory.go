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
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/labcore/pkg/models"
)

const (
	StageRangeValidation  = "range_validation"
	StageOutlierDetection = "outlier_detection"
	StageMovingAverage    = "moving_average"
)

// ReadingPipeline is the pipeline type used for device readings.
type ReadingPipeline = Pipeline[models.Reading]

// NewTemperaturePipeline validates -50..200, rejects outliers beyond 2.5
// standard deviations and smooths over five samples.
func NewTemperaturePipeline(id string, log *zap.SugaredLogger) (*ReadingPipeline, error) {
	rng, err := NewRangeFilter(models.Float(-50), models.Float(200))
	if err != nil {
		return nil, err
	}

	outlier, err := NewOutlierFilter(2.5, 10)
	if err != nil {
		return nil, err
	}

	avg, err := NewMovingAverageFilter(5)
	if err != nil {
		return nil, err
	}

	p := New[models.Reading](id, log)
	for _, s := range []*Stage[models.Reading]{
		NewStage[models.Reading](StageRangeValidation, KindValidate, rng),
		NewStage[models.Reading](StageOutlierDetection, KindValidate, outlier),
		NewStage[models.Reading](StageMovingAverage, KindFilter, avg),
	} {
		if err := p.AddStage(s); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// NewMinimalPipeline only checks that values lie between absolute zero and 1000.
func NewMinimalPipeline(id string, log *zap.SugaredLogger) (*ReadingPipeline, error) {
	rng, err := NewRangeFilter(models.Float(-273.15), models.Float(1000))
	if err != nil {
		return nil, err
	}

	p := New[models.Reading](id, log)
	if err := p.AddStage(NewStage[models.Reading](StageRangeValidation, KindValidate, rng)); err != nil {
		return nil, err
	}

	return p, nil
}

// NewByName builds one of the named pipelines: "temperature", "minimal" or "none".
// "none" yields a nil pipeline.
func NewByName(name, id string, log *zap.SugaredLogger) (*ReadingPipeline, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "temperature":
		return NewTemperaturePipeline(id, log)
	case "minimal":
		return NewMinimalPipeline(id, log)
	default:
		return nil, &ConfigurationError{Parameter: "pipeline", Reason: "unknown pipeline " + name}
	}
}
