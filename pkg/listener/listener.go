package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on a channel until stopped.
// Handler errors are reported to the error handler and do not stop it.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	onError     func(error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	l := &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
	l.onError = func(err error) {
		slog.Error("listener handler failed", "listener", l.name, "error", err)
	}
	return l
}

// OnError replaces the default error handler, which logs.
func (l *Listener[T]) OnError(fn func(error)) {
	l.onError = fn
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for l.run(ctx) {
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) bool {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return false
		}
		if err := l.handler(inp); err != nil {
			l.onError(err)
		}
	case <-ctx.Done():
		return false
	}

	return true
}

// Stop cancels the listener, waits for an in-flight handler and then runs
// the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
