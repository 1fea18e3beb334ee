package apprun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// TerminationSignals are the signals on which a packaged executable releases
// its mount before exiting.
var TerminationSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
}

// InterruptedError is the cause of a context canceled by InterruptibleContext.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by %v", e.Signal)
}

// ExitCode returns 128+n for signal n, the code of a process killed by it.
func (e *InterruptedError) ExitCode() int {
	if s, ok := e.Signal.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return ExitInternal
}

// Interrupted returns the InterruptedError which canceled ctx, or nil if ctx
// is not done or was canceled for another reason.
func Interrupted(ctx context.Context) *InterruptedError {
	var ie *InterruptedError
	if errors.As(context.Cause(ctx), &ie) {
		return ie
	}
	return nil
}

// InterruptibleContext returns a context which is canceled when the program is
// interrupted (i.e. receiving one of TerminationSignals), with an
// InterruptedError as its cause. The received signal is available via the
// returned function once the context is done.
func InterruptibleContext() (context.Context, context.CancelFunc, func() os.Signal) {
	ctx, cancel := context.WithCancelCause(context.Background())
	canc := func() { cancel(nil) }
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, TerminationSignals...)
	var received os.Signal
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case s := <-sig:
			received = s
			cancel(&InterruptedError{Signal: s})
		case <-ctx.Done():
		}
		// Subsequent signals will result in immediate termination, which is
		// useful in case cleanup hangs:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc, func() os.Signal {
		<-done
		return received
	}
}
