package analyzer

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// fanOut runs fn for every index in [0, n) with at most workers running at
// once. Each call writes only its own slot, so results come back in index
// order no matter how the calls were scheduled. Indexes not started before
// ctx was cancelled are left as zero values and reported through done.
func fanOut[T any](ctx context.Context, workers, n int, fn func(ctx context.Context, i int) T) (out []T, done []bool) {
	out = make([]T, n)
	done = make([]bool, n)
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out[i] = fn(gctx, i)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return out, done
}

// allDone reports whether every slot ran.
func allDone(done []bool) bool {
	for _, d := range done {
		if !d {
			return false
		}
	}
	return true
}
