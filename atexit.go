package apprun

import (
	"sync"
	"sync/atomic"
)

// AtExit is a registry of cleanup functions, e.g. for one launch of a
// packaged executable. The zero value is ready to use.
type AtExit struct {
	mu     sync.Mutex
	fns    []func() error
	closed uint32
}

// Register registers fn to be run by Run. Functions run in reverse
// registration order, so resources are released in the opposite order of
// their acquisition (e.g. unmount before removing the mount point).
func (a *AtExit) Register(fn func() error) {
	if atomic.LoadUint32(&a.closed) != 0 {
		panic("BUG: Register must not be called from an AtExit func")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fns = append(a.fns, fn)
}

// Run runs all registered functions exactly once. Unlike a plain defer
// chain, every function runs even if an earlier one fails; the first error is
// returned.
func (a *AtExit) Run() error {
	if !atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		return nil
	}
	a.mu.Lock()
	fns := a.fns
	a.fns = nil
	a.mu.Unlock()
	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var atExit AtExit

// RegisterAtExit registers fn with the process-wide registry run by
// RunAtExit.
func RegisterAtExit(fn func() error) { atExit.Register(fn) }

// RunAtExit runs the process-wide registry.
func RunAtExit() error { return atExit.Run() }

// resetAtExit is used by tests.
func resetAtExit() {
	atExit.mu.Lock()
	defer atExit.mu.Unlock()
	atExit.fns = nil
	atomic.StoreUint32(&atExit.closed, 0)
}
