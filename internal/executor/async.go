package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/txn"
)

// Future is the pending result of an executor call. It resolves exactly
// once; later resolutions are ignored.
//
// Thread-safety: all methods are safe for concurrent use.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve sets the result. It reports false when the future was already
// resolved.
func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the result is available.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends. A ctx error does not
// cancel the call itself; Wait can be called again.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Async dispatches executor calls asynchronously.
type Async struct {
	exec   txn.Executor
	logger *slog.Logger
	wg     sync.WaitGroup
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithAsyncLogger sets the logger. Default: slog.Default().
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) {
		a.logger = l
	}
}

// NewAsync wraps exec.
func NewAsync(exec txn.Executor, opts ...AsyncOption) *Async {
	a := &Async{exec: exec, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Process submits a commit.
func (a *Async) Process(ctx context.Context, t *record.Transaction) *Future[*txn.CommitResult] {
	return run(a, "process", t.ID, func() (*txn.CommitResult, error) {
		return a.exec.Process(ctx, t)
	})
}

// UndoLast submits an undo.
func (a *Async) UndoLast(ctx context.Context, id string) *Future[*txn.Outcome] {
	return run(a, "undo", id, func() (*txn.Outcome, error) {
		return a.exec.UndoLast(ctx, id)
	})
}

// RedoLast submits a redo.
func (a *Async) RedoLast(ctx context.Context, id string) *Future[*txn.Outcome] {
	return run(a, "redo", id, func() (*txn.Outcome, error) {
		return a.exec.RedoLast(ctx, id)
	})
}

// Wait blocks until every submitted call has resolved.
func (a *Async) Wait() {
	a.wg.Wait()
}

func run[T any](a *Async, op, id string, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("executor call panicked", "op", op, "transaction_id", id, "panic", r)
				var zero T
				f.resolve(zero, fmt.Errorf("%s %s: executor panic: %v", op, id, r))
			}
		}()
		v, err := fn()
		f.resolve(v, err)
	}()
	return f
}
