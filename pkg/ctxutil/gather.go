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

package ctxutil

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// GatherWithConcurrency runs fns concurrently and returns their results in input order.
// If limiter is non-nil every fn holds a limiter token and slot while it runs.
// The first error cancels the remaining fns and is returned, prefixed with label.
func GatherWithConcurrency[T any](ctx context.Context, label string, limiter *RateLimiter, fns ...func(ctx context.Context) (T, error)) ([]T, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]T, len(fns))

	for i, fn := range fns {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Acquire(gctx); err != nil {
					return err
				}
				defer limiter.Release()
			}

			v, err := fn(gctx)
			if err != nil {
				return fmt.Errorf("%s.%d: %w", label, i, err)
			}
			results[i] = v

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
