package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency is used when BatchOptions.Concurrency is not positive.
const DefaultBatchConcurrency = 5

// BatchOptions controls ExecuteBatch.
type BatchOptions struct {
	// Concurrency is the chunk size; queries in a chunk run together.
	Concurrency int
	// FailFast aborts the batch on the first failing chunk.
	FailFast bool
}

// ExecuteBatch runs queries in sequential chunks of Concurrency. Each chunk
// settles before the next one starts. Results are in input order.
//
// With FailFast the first error is returned once its chunk settles and no
// results are produced. Otherwise failures are reported in Result.Err at
// their index and the batch runs to the end unless ctx is cancelled.
func ExecuteBatch[T any](ctx context.Context, e *Executor, queries []Query[T], bo BatchOptions, opts ...Option) ([]Result[T], error) {
	size := bo.Concurrency
	if size <= 0 {
		size = DefaultBatchConcurrency
	}

	results := make([]Result[T], len(queries))
	for start := 0; start < len(queries); start += size {
		end := min(start+size, len(queries))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := Execute(ctx, e, queries[i], opts...)
				results[i] = res
				if err != nil && bo.FailFast {
					return fmt.Errorf("batch query %d (%s): %w", i, queries[i].Name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil && end < len(queries) {
			return nil, err
		}
	}
	return results, nil
}
