// SPDX-FileCopyrightText: 2021 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package workqueue

import (
	"context"

	"github.com/xmidt-org/courier/queue"
)

const (
	// FetchChunk is the most items asked for in one fetch.
	FetchChunk = queue.MaxBatchSize

	// MaxFetchAttempts caps the fetches made by one FetchBounded call.
	MaxFetchAttempts = 4
)

// Fetcher returns up to n items.
type Fetcher[M any] func(ctx context.Context, n int) ([]M, error)

// FetchBounded calls fetch until desired items are gathered, a fetch comes
// back short, or MaxFetchAttempts calls have been made. Items fetched before
// an error are returned along with it.
func FetchBounded[M any](ctx context.Context, desired int, fetch Fetcher[M]) ([]M, error) {
	var (
		result    []M
		remaining = desired
	)
	for attempt := 0; remaining > 0 && attempt < MaxFetchAttempts; attempt++ {
		n := min(remaining, FetchChunk)
		items, err := fetch(ctx, n)
		if err != nil {
			return result, err
		}
		result = append(result, items...)
		remaining -= len(items)
		if len(items) < n || len(items) == 0 {
			break
		}
	}
	return result, nil
}
