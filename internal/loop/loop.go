package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells Start what to do after a task run
type Next struct {
	// if not nil, breaks with error
	err error

	// if quit and err == nil, breaks without error
	quit bool

	// otherwise, continue after interval
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}
	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue runs the task again after interval
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. err is returned by Start and may be nil.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one iteration. It receives the value the previous iteration
// returned and reports what to do next.
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task repeatedly until it breaks or ctx is done.
//
// The first run gets init. The zero Next means Continue(0).
// When ctx is done, Start returns the last value with ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	value := init
	for {
		lc := &loopConfig{ctx: ctx}
		for _, opt := range options {
			lc = opt(lc)
		}

		v, n := func() (T, Next) {
			if lc.deferred != nil {
				defer lc.deferred()
			}
			return task(lc.ctx, value)
		}()

		if n.err != nil {
			return v, n.err
		}
		if n.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(n.interval)
		select {
		case <-ctx.Done():
			// shutdown wins over a timer firing at the same time
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

// Every calls fn every interval until ctx is done. Errors from fn are
// passed to onError and do not stop the loop. options apply to each run,
// so WithTimeout bounds a single call of fn.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context) error, onError func(error), options ...Option) {
	Start(ctx, struct{}{}, func(runCtx context.Context, v struct{}) (struct{}, Next) {
		if err := fn(runCtx); err != nil && onError != nil && ctx.Err() == nil {
			onError(err)
		}
		return v, Continue(interval)
	}, options...)
}

type loopConfig struct {
	ctx      context.Context
	deferred func()
}

// Option configures each iteration of Start
type Option func(*loopConfig) *loopConfig

// WithTimeout bounds each task run by d
func WithTimeout(d time.Duration) Option {
	return func(lc *loopConfig) *loopConfig {
		ctx, cancel := context.WithTimeout(lc.ctx, d)
		return &loopConfig{
			ctx: ctx,
			deferred: func() {
				if lc.deferred != nil {
					defer lc.deferred()
				}
				cancel()
			},
		}
	}
}
