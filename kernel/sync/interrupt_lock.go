// Package sync provides the synchronization primitives used by the memory
// manager. The kernel runs on a single core, so mutual exclusion between
// normal code and interrupt handlers is obtained by masking interrupts rather
// than by spinning.
package sync

// InterruptController is implemented by the CPU and exposes the interrupt
// flag.
type InterruptController interface {
	// DisableInterrupts clears the interrupt flag.
	DisableInterrupts()

	// EnableInterrupts sets the interrupt flag.
	EnableInterrupts()

	// InterruptsEnabled returns the current state of the interrupt flag.
	InterruptsEnabled() bool
}

// InterruptLock guards a critical section by masking interrupts on an
// InterruptController. Acquire calls may nest; interrupts are restored to
// their original state by the Release call that matches the outermost
// Acquire.
//
// Exceptions raised by the CPU itself (e.g. page faults) are not maskable and
// are therefore not excluded by an InterruptLock.
type InterruptLock struct {
	ic         InterruptController
	depth      uint32
	wasEnabled bool
}

// NewInterruptLock returns a lock backed by ic.
func NewInterruptLock(ic InterruptController) InterruptLock {
	return InterruptLock{ic: ic}
}

// Acquire masks interrupts and enters the critical section.
func (l *InterruptLock) Acquire() {
	if l.depth == 0 {
		l.wasEnabled = l.ic.InterruptsEnabled()
		l.ic.DisableInterrupts()
	}
	l.depth++
}

// Release leaves the critical section. Calling Release while the lock is not
// held has no effect.
func (l *InterruptLock) Release() {
	if l.depth == 0 {
		return
	}

	l.depth--
	if l.depth == 0 && l.wasEnabled {
		l.ic.EnableInterrupts()
	}
}

// Held returns true while at least one Acquire is outstanding.
func (l *InterruptLock) Held() bool {
	return l.depth != 0
}
