// Package taskqueue runs submitted requests in bounded batches.
//
// Invariants:
// - Requests are taken from the queue in submission order, at most BatchSize at a time.
// - Requests within a batch run concurrently; one failing does not affect the others.
// - The next batch starts only after every request of the current one has finished.
// - Every request is settled exactly once: by its handler, by its deadline or by Close.
// - A request that hits its deadline is disowned, not cancelled; its late result is dropped.
//
// Usage:
//
//	q := taskqueue.New(func(ctx context.Context, in string) (string, error) {
//		return strings.ToUpper(in), nil
//	}, taskqueue.Options{Name: "turns"})
//	defer q.Close()
//	out, err := q.Submit(ctx, "hello")
package taskqueue
