// Package signals turns process-level interrupts into context
// cancellation, the only cancellation mechanism a run responds to: no
// task-level timeout exists, so an external interrupt is the sole way to
// abort early.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithCancel returns a context derived from parent that is canceled the
// moment the process receives SIGINT, SIGTERM, or SIGQUIT, and a stop
// function callers must defer to release the underlying signal.Notify
// registration.
func WithCancel(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()

	stop := func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, stop
}
