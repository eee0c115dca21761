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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/labcore/pkg/ctxutil"
)

const (
	MetadataFileName = "experiment_metadata.json"
	archiveDataType  = "experiment"

	// minCompressTime is the budget a stop deadline must leave for compression.
	minCompressTime = 2 * time.Second
)

type metadataFile struct {
	ExperimentID    string         `json:"experiment_id"`
	Name            string         `json:"name"`
	State           State          `json:"state"`
	StartTime       string         `json:"start_time"`
	EndTime         string         `json:"end_time"`
	DurationSeconds float64        `json:"duration_seconds"`
	Statistics      Counts         `json:"statistics"`
	Configuration   Config         `json:"configuration"`
	Summary         map[string]any `json:"summary"`
}

// finalize stamps the end time, writes the metadata file, compresses the
// result directory when configured and returns the orchestrator to idle.
// Only a failed metadata write is fatal; compression problems count as warnings.
// Compression is skipped when ctx has less than minCompressTime left.
func (o *Orchestrator) finalize(ctx context.Context, id string) error {
	end := time.Now()

	o.mu.Lock()
	r, ok := o.results[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownExperiment, id)
	}

	duration := max(end.Sub(r.StartTime).Seconds(), 0)
	r.EndTime = &end
	r.DurationSeconds = &duration
	if r.Summary == nil {
		r.Summary = make(map[string]any)
	}
	r.Summary["final_phase"] = string(o.phase)
	r.Summary["buffered_data_points"] = len(o.CollectedData())
	snapshot := r.Clone()
	cfg := o.configs[id].Clone()
	o.mu.Unlock()

	if snapshot.ResultDirectory != "" {
		if err := writeMetadata(snapshot, cfg); err != nil {
			return fmt.Errorf("write experiment metadata: %w", err)
		}
	}

	if cfg.AutoCompress && o.archiver != nil && snapshot.ResultDirectory != "" {
		remaining, sufficient, err := ctxutil.HasSufficientTime(ctx, minCompressTime)
		if err == nil && !sufficient {
			o.log.Warnw("Not enough time left to compress experiment results",
				"experiment", id, "remaining", remaining)
			o.addWarning(id)
		} else {
			o.compress(id, snapshot.ResultDirectory)
		}
	}

	if err := o.transition(EventComplete); err != nil {
		return err
	}

	o.clearCurrent()

	if err := o.transition(EventReset); err != nil {
		return err
	}

	o.log.Infow("Finalized experiment", "experiment", id, "duration_seconds", duration)

	return nil
}

func (o *Orchestrator) compress(id, dir string) {
	paths, err := o.archiver.CompressDirectory(dir, "*", archiveDataType, true)

	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.results[id]

	if err != nil {
		o.log.Errorw("Failed to compress experiment results", "experiment", id, "error", err)
		r.WarningsCount++

		return
	}

	if len(paths) > 0 {
		r.CompressedArchive = paths[0]
		o.log.Infow("Compressed experiment results", "experiment", id, "archive", paths[0])
	}
}

func (o *Orchestrator) addWarning(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.results[id]; ok {
		r.WarningsCount++
	}
}

func writeMetadata(r Result, cfg Config) error {
	meta := metadataFile{
		ExperimentID:  r.ExperimentID,
		Name:          r.Name,
		State:         StateCompleted,
		StartTime:     r.StartTime.Format(time.RFC3339Nano),
		Statistics:    r.Counts,
		Configuration: cfg,
		Summary:       r.Summary,
	}

	if r.EndTime != nil {
		meta.EndTime = r.EndTime.Format(time.RFC3339Nano)
	}

	if r.DurationSeconds != nil {
		meta.DurationSeconds = *r.DurationSeconds
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(r.ResultDirectory, MetadataFileName), data, 0o644)
}
