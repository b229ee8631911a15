package batch

import (
	"context"
	"sync"
)

// forEach runs fn for every item on at most workers goroutines. Items not
// yet started when ctx is cancelled are skipped.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(T)) {
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	jobs := make(chan T)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for item := range jobs {
				fn(item)
			}
		}()
	}
feed:
	for _, item := range items {
		select {
		case jobs <- item:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}
