// Package stopflag implements the engine's cooperative-stop token. The core
// never installs its own signal handlers: the host binds OS signals, or any
// other interrupt source, to Raise externally.
package stopflag

import "sync/atomic"

// Flag is a process-wide-safe, reusable cooperative-stop token. The zero
// value is ready to use and starts un-raised.
type Flag struct {
	raised atomic.Bool
}

// New returns an un-raised Flag.
func New() *Flag {
	return &Flag{}
}

// Raise sets the flag. Idempotent: raising an already-raised flag is a
// no-op.
func (f *Flag) Raise() {
	f.raised.Store(true)
}

// Raised reports whether Raise has been called.
func (f *Flag) Raised() bool {
	return f.raised.Load()
}

// Reset clears the flag so the same Flag can back another engine run.
func (f *Flag) Reset() {
	f.raised.Store(false)
}
