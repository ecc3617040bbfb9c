// api/internal/broker/future.go
package broker

import (
	"sync"
	"time"
)

// future is a single-shot completion primitive: exactly one of resolve/reject
// may take effect, the rest are no-ops.
type future[T any] struct {
	once   sync.Once
	done   chan struct{}
	result T
	err    error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T) {
	f.once.Do(func() {
		f.result = v
		close(f.done)
	})
}

func (f *future[T]) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// wait blocks until resolve/reject or the timer fires, whichever comes
// first (callers pass a *time.Timer's C channel).
func (f *future[T]) wait(timeout <-chan time.Time) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-timeout:
		var zero T
		return zero, errTimeout
	}
}
