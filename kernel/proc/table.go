package proc

import (
	"sort"

	"pmos/kernel"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm/vmm"
	"pmos/kernel/sync"
)

var (
	// ErrNoSuchProcess is returned when a PID does not belong to a live
	// process.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}
)

// Table owns the set of live processes and the identity of the process whose
// address space is loaded on the CPU.
type Table struct {
	mgr  *vmm.Manager
	lock sync.InterruptLock

	nextPID PID
	procs   map[PID]*Process
	current *Process
}

// NewTable returns an empty process table backed by the supplied virtual
// memory manager. ic is the interrupt controller masked while the current
// process changes.
func NewTable(mgr *vmm.Manager, ic sync.InterruptController) *Table {
	return &Table{
		mgr:     mgr,
		lock:    sync.NewInterruptLock(ic),
		nextPID: 1,
		procs:   make(map[PID]*Process),
	}
}

// Spawn creates a process with a fresh address space that only contains the
// kernel mappings.
func (t *Table) Spawn() (*Process, *kernel.Error) {
	space, err := t.mgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	p := t.add(0, space)
	kfmt.Printf("[proc] spawned process %d\n", p.pid)
	return p, nil
}

// Fork creates a child of parent whose address space is a clone of the
// parent's. If the clone fails, the error is also recorded in the parent and
// no process is created.
func (t *Table) Fork(parent *Process) (*Process, *kernel.Error) {
	if t.procs[parent.pid] != parent {
		return nil, ErrNoSuchProcess
	}

	space, err := parent.space.Clone()
	if err != nil {
		parent.SetError(err)
		kfmt.Printf("[proc] fork of process %d failed: %s\n", parent.pid, err.Message)
		return nil, err
	}

	child := t.add(parent.pid, space)
	kfmt.Printf("[proc] process %d forked child %d\n", parent.pid, child.pid)
	return child, nil
}

// Exit terminates a process and releases its address space. If the process
// is the current process, the kernel address space is loaded first.
func (t *Table) Exit(pid PID) *kernel.Error {
	p, ok := t.procs[pid]
	if !ok {
		return ErrNoSuchProcess
	}

	if t.current == p {
		t.lock.Acquire()
		err := t.mgr.SwitchTo(t.mgr.KernelSpace())
		if err == nil {
			t.current = nil
		}
		t.lock.Release()

		if err != nil {
			return err
		}
	}

	if err := p.space.Destroy(); err != nil {
		return err
	}

	delete(t.procs, pid)
	kfmt.Printf("[proc] process %d exited\n", pid)
	return nil
}

// Dispatch makes pid the current process. The address space switch and the
// update of the current process happen inside the same critical section so
// that no interrupt handler can observe one without the other.
func (t *Table) Dispatch(pid PID) *kernel.Error {
	p, ok := t.procs[pid]
	if !ok {
		return ErrNoSuchProcess
	}

	t.lock.Acquire()
	defer t.lock.Release()

	if err := t.mgr.SwitchTo(p.space); err != nil {
		return err
	}
	t.current = p
	return nil
}

// Current returns the process whose address space is active or nil if the
// kernel address space is active.
func (t *Table) Current() *Process {
	return t.current
}

// Lookup returns the live process with the specified PID.
func (t *Table) Lookup(pid PID) (*Process, *kernel.Error) {
	p, ok := t.procs[pid]
	if !ok {
		return nil, ErrNoSuchProcess
	}
	return p, nil
}

// PIDs returns the identifiers of all live processes in increasing order.
func (t *Table) PIDs() []PID {
	pids := make([]PID, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (t *Table) add(parent PID, space *vmm.AddressSpace) *Process {
	p := &Process{pid: t.nextPID, parent: parent, space: space}
	t.procs[p.pid] = p
	t.nextPID++
	return p
}
