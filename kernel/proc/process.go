// Package proc tracks processes and the address space each of them owns.
package proc

import (
	"pmos/kernel"
	"pmos/kernel/mm/vmm"
)

// PID identifies a process.
type PID uint32

// Process describes a single process. Each process owns exactly one address
// space.
type Process struct {
	pid    PID
	parent PID
	space  *vmm.AddressSpace

	// lastErr records the most recent error raised on behalf of the
	// process (e.g. a failed fork).
	lastErr *kernel.Error
}

// PID returns the process identifier.
func (p *Process) PID() PID {
	return p.pid
}

// Parent returns the identifier of the process that forked this process or 0
// for processes created by Spawn.
func (p *Process) Parent() PID {
	return p.parent
}

// AddressSpace returns the address space owned by the process.
func (p *Process) AddressSpace() *vmm.AddressSpace {
	return p.space
}

// SetError records err as the last error of the process.
func (p *Process) SetError(err *kernel.Error) {
	p.lastErr = err
}

// Err returns the last error recorded for the process.
func (p *Process) Err() *kernel.Error {
	return p.lastErr
}

// ResetError clears the last error of the process.
func (p *Process) ResetError() {
	p.lastErr = nil
}
