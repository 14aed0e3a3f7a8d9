package proc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/kernel/cpu"
	"pmos/kernel/kfmt"
	"pmos/kernel/mm"
	"pmos/kernel/mm/pmm"
	"pmos/kernel/mm/vmm"
)

const (
	testMemSize  = 4 * mm.Mb
	testUserAddr = uintptr(0x40000000)
)

type testSystem struct {
	cpu    *cpu.CPU
	frames *pmm.BitmapAllocator
	mgr    *vmm.Manager
	table  *Table
	log    *bytes.Buffer
}

func setupTestSystem(t *testing.T) *testSystem {
	var log bytes.Buffer
	kfmt.SetOutputSink(&log)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	mem := mm.NewPhysMem(testMemSize)
	sys := &testSystem{
		cpu:    cpu.New(mem),
		frames: pmm.NewBitmapAllocator(testMemSize),
		log:    &log,
	}

	mgr, err := vmm.Init(sys.cpu, mem, sys.frames, vmm.Config{KernelEnd: 0x100000})
	require.Nil(t, err)
	sys.mgr = mgr
	sys.table = NewTable(mgr, sys.cpu)
	return sys
}

func TestSpawn(t *testing.T) {
	sys := setupTestSystem(t)

	p1, err := sys.table.Spawn()
	require.Nil(t, err)
	p2, err := sys.table.Spawn()
	require.Nil(t, err)

	assert.Equal(t, PID(1), p1.PID())
	assert.Equal(t, PID(2), p2.PID())
	assert.Equal(t, PID(0), p1.Parent())
	assert.NotEqual(t, p1.AddressSpace().Frame(), p2.AddressSpace().Frame())
	assert.Equal(t, []PID{1, 2}, sys.table.PIDs())
	assert.Nil(t, sys.table.Current(), "expected spawn not to change the current process")
	assert.Contains(t, sys.log.String(), "[proc] spawned process 1\n")

	got, err := sys.table.Lookup(2)
	require.Nil(t, err)
	assert.Equal(t, p2, got)

	_, err = sys.table.Lookup(3)
	assert.Equal(t, ErrNoSuchProcess, err)
}

func TestDispatch(t *testing.T) {
	sys := setupTestSystem(t)
	sys.cpu.EnableInterrupts()

	p1, err := sys.table.Spawn()
	require.Nil(t, err)
	p2, err := sys.table.Spawn()
	require.Nil(t, err)

	specs := []*Process{p1, p2, p1}
	for specIndex, p := range specs {
		require.Nil(t, sys.table.Dispatch(p.PID()))

		if got := sys.table.Current(); got != p {
			t.Errorf("[spec %d] expected current process to be %d; got %d", specIndex, p.PID(), got.PID())
		}
		if exp, got := p.AddressSpace().Frame().Address(), sys.cpu.ActivePDT(); got != exp {
			t.Errorf("[spec %d] expected CR3 to be 0x%x; got 0x%x", specIndex, exp, got)
		}
		if sys.mgr.ActiveSpace() != p.AddressSpace() {
			t.Errorf("[spec %d] expected active address space to belong to process %d", specIndex, p.PID())
		}
	}

	assert.True(t, sys.cpu.InterruptsEnabled(), "expected interrupts to be restored after dispatch")
	assert.Equal(t, ErrNoSuchProcess, sys.table.Dispatch(42))
	assert.Equal(t, p1, sys.table.Current())
}

func TestForkCopiesAddressSpace(t *testing.T) {
	sys := setupTestSystem(t)

	parent, err := sys.table.Spawn()
	require.Nil(t, err)
	require.Nil(t, sys.table.Dispatch(parent.PID()))
	require.Nil(t, parent.AddressSpace().MapToFirstAvailable(mm.PageFromAddress(testUserAddr), vmm.FlagRW|vmm.FlagUserAccessible))
	require.Nil(t, sys.cpu.WriteByte(testUserAddr, 'p', cpu.User))

	child, err := sys.table.Fork(parent)
	require.Nil(t, err)
	assert.Equal(t, parent.PID(), child.Parent())
	assert.Nil(t, parent.Err())

	require.Nil(t, sys.table.Dispatch(child.PID()))
	got, err := sys.cpu.ReadByte(testUserAddr, cpu.User)
	require.Nil(t, err)
	assert.Equal(t, byte('p'), got)
	require.Nil(t, sys.cpu.WriteByte(testUserAddr, 'c', cpu.User))

	require.Nil(t, sys.table.Dispatch(parent.PID()))
	got, err = sys.cpu.ReadByte(testUserAddr, cpu.User)
	require.Nil(t, err)
	assert.Equal(t, byte('p'), got, "expected the parent not to see writes made by the child")
	assert.Contains(t, sys.log.String(), "[proc] process 1 forked child 2\n")
}

func TestForkFailureIsRecordedInParent(t *testing.T) {
	sys := setupTestSystem(t)

	parent, err := sys.table.Spawn()
	require.Nil(t, err)
	require.Nil(t, parent.AddressSpace().MapToFirstAvailable(mm.PageFromAddress(testUserAddr), vmm.FlagRW))

	for sys.frames.FreeFrames() != 0 {
		_, err := sys.frames.AllocFrame()
		require.Nil(t, err)
	}

	child, err := sys.table.Fork(parent)
	assert.Nil(t, child)
	assert.Equal(t, vmm.ErrCloneAllocation, err)
	assert.Equal(t, vmm.ErrCloneAllocation, parent.Err())
	assert.Equal(t, []PID{1}, sys.table.PIDs(), "expected only the failed fork to be affected")

	parent.ResetError()
	assert.Nil(t, parent.Err())

	_, err = sys.table.Fork(&Process{pid: 7})
	assert.Equal(t, ErrNoSuchProcess, err)
}

func TestExit(t *testing.T) {
	sys := setupTestSystem(t)
	freeBefore := sys.frames.FreeFrames()

	p, err := sys.table.Spawn()
	require.Nil(t, err)
	require.Nil(t, p.AddressSpace().MapToFirstAvailable(mm.PageFromAddress(testUserAddr), vmm.FlagRW))
	require.Nil(t, sys.table.Dispatch(p.PID()))

	require.Nil(t, sys.table.Exit(p.PID()))
	assert.Nil(t, sys.table.Current())
	assert.Equal(t, sys.mgr.KernelSpace(), sys.mgr.ActiveSpace())
	assert.True(t, p.AddressSpace().Destroyed())
	assert.Equal(t, freeBefore, sys.frames.FreeFrames(), "expected every frame of the process to be released")
	assert.Empty(t, sys.table.PIDs())

	assert.Equal(t, ErrNoSuchProcess, sys.table.Exit(p.PID()))
}
