package workgraph

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BatchItem is one sub-request inside a batch call.
type BatchItem struct {
	RelativePath string         `json:"relativePath"`
	Method       string         `json:"method"`
	Data         map[string]any `json:"data,omitempty"`
}

// BatchResult is one sub-response. Results always line up index-for-index
// with the request list.
type BatchResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body"`
}

// BatchRunner executes a single sub-request. It must honor ctx cancellation
// and report failures inside the result rather than panicking.
type BatchRunner func(ctx context.Context, item BatchItem) BatchResult

type BatchExecutorOptions struct {
	MaxItems    int
	FanOut      int
	ItemTimeout time.Duration
}

// BatchExecutor runs independent sub-requests concurrently while preserving
// request order in the result list. One item's failure never aborts or
// rolls back its siblings.
type BatchExecutor struct {
	runner      BatchRunner
	maxItems    int
	fanOut      int
	itemTimeout time.Duration
}

func NewBatchExecutor(runner BatchRunner, opts BatchExecutorOptions) *BatchExecutor {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 10
	}
	fanOut := opts.FanOut
	if fanOut <= 0 {
		fanOut = 4
	}
	itemTimeout := opts.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 15 * time.Second
	}
	return &BatchExecutor{
		runner:      runner,
		maxItems:    maxItems,
		fanOut:      fanOut,
		itemTimeout: itemTimeout,
	}
}

func (e *BatchExecutor) MaxItems() int {
	return e.maxItems
}

// Execute rejects oversized batches outright, before any item runs. Items
// are dispatched concurrently up to the fan-out bound and each result lands
// at its request index regardless of completion order. An item that outlives
// its timeout is reported as a timed-out result without touching siblings.
func (e *BatchExecutor) Execute(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, validationErr("actions", "must contain at least one item")
	}
	if len(items) > e.maxItems {
		return nil, ErrBatchTooLarge
	}

	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, e.fanOut)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			itemCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
			defer cancel()
			result := e.runner(itemCtx, item)
			if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
				result = BatchResult{
					StatusCode: 504,
					Body: map[string]any{
						"code":    "item_timeout",
						"message": "batch item exceeded its execution deadline",
					},
				}
			}
			results[i] = result
		}(i, item)
	}
	wg.Wait()
	return results, nil
}
