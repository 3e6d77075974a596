package batch

import "context"

// Future completes when an asynchronously committed batch has driven all
// of its callbacks.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the batch completes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
