package vmm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/kernel/cpu"
	"pmos/kernel/gate"
)

func TestFaultReasonString(t *testing.T) {
	specs := []struct {
		reason FaultReason
		exp    string
	}{
		{0, "read from non-present page"},
		{FaultProtection, "page protection violation (read)"},
		{FaultWrite, "write to non-present page"},
		{FaultProtection | FaultWrite, "page protection violation (write)"},
		{FaultUser, "read from non-present page in user-mode"},
		{FaultUser | FaultWrite | FaultProtection, "page protection violation (write) in user-mode"},
		{FaultReserved | FaultProtection, "page protection violation (read); page table has reserved bit set"},
		{FaultFetch, "instruction fetch from non-present page"},
		{FaultFetch | FaultProtection | FaultUser, "page protection violation (instruction fetch) in user-mode"},
	}

	for specIndex, spec := range specs {
		if got := spec.reason.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPageFaultRemapsToForbiddenPage(t *testing.T) {
	tm := setupTestMachine(t)
	space := tm.userSpace(t)
	faultAddr := testUserAddr + 0x123

	got, err := tm.cpu.ReadByte(faultAddr, cpu.Supervisor)
	require.Nil(t, err)
	assert.Equal(t, byte(0xff), got, "expected read to be served by the forbidden page")

	pte := space.Translate(faultAddr)
	assert.Equal(t, tm.mgr.ForbiddenFrame(), pte.Frame())
	assert.False(t, pte.HasFlags(FlagRW))
	assert.False(t, pte.HasFlags(FlagUserAccessible))

	// Faults are handled in the active space only
	assert.False(t, tm.mgr.KernelSpace().Translate(faultAddr).Mapped())

	log := tm.log.String()
	for _, exp := range []string{
		"[vmm] page fault while accessing address: 0x40000123\n",
		"[vmm] reason: read from non-present page\n",
		"[vmm] registers:\n",
		"[vmm] EIP = 00000000 CS  = 00000008\n",
		"[vmm] call stack:\n[vmm] goroutine 1 [running]:\n",
		"[vmm] page 0x40000000 mapped to the forbidden page\n",
	} {
		assert.Contains(t, log, exp)
	}
}

func TestPageFaultIsIdempotent(t *testing.T) {
	tm := setupTestMachine(t)
	space := tm.userSpace(t)

	_, err := tm.cpu.ReadByte(testUserAddr, cpu.Supervisor)
	require.Nil(t, err)
	freeAfterFirst := tm.frames.FreeFrames()
	entryAfterFirst := space.Translate(testUserAddr)
	require.Equal(t, tm.mgr.ForbiddenFrame(), entryAfterFirst.Frame())

	// CR2 still holds the faulting address; a second fault for the same
	// page must not allocate or change the mapping.
	tm.mgr.pageFaultHandler(&gate.Registers{Info: uint32(FaultWrite)})
	assert.Equal(t, freeAfterFirst, tm.frames.FreeFrames())
	assert.Equal(t, entryAfterFirst, space.Translate(testUserAddr))
}

func TestWriteToForbiddenPageIsDropped(t *testing.T) {
	tm := setupTestMachine(t)
	tm.userSpace(t)

	err := tm.cpu.WriteByte(testUserAddr, 0x42, cpu.Supervisor)
	assert.Equal(t, cpu.ErrAccessDropped, err)

	for index, b := range tm.mem.FrameData(tm.mgr.ForbiddenFrame()) {
		if b != 0xff {
			t.Fatalf("expected forbidden page to remain unmodified; byte %d is 0x%x", index, b)
		}
	}

	log := tm.log.String()
	assert.Contains(t, log, "[vmm] reason: write to non-present page\n")
	assert.Contains(t, log, "[vmm] reason: page protection violation (write)\n")
}

func TestUserAccessToForbiddenPageIsDropped(t *testing.T) {
	tm := setupTestMachine(t)
	tm.userSpace(t)

	_, err := tm.cpu.ReadByte(testUserAddr, cpu.User)
	assert.Equal(t, cpu.ErrAccessDropped, err)
	assert.Contains(t, tm.log.String(), "[vmm] reason: page protection violation (read) in user-mode\n")
}

func TestNullPointerDereferenceFaults(t *testing.T) {
	tm := setupTestMachine(t)

	got, err := tm.cpu.ReadByte(0x10, cpu.Supervisor)
	require.Nil(t, err)
	assert.Equal(t, byte(0xff), got)
	assert.Contains(t, tm.log.String(), "[vmm] page fault while accessing address: 0x00000010\n")
}

func TestPageFaultRemapFailure(t *testing.T) {
	tm := setupTestMachine(t)
	tm.userSpace(t)

	for tm.frames.FreeFrames() != 0 {
		_, err := tm.frames.AllocFrame()
		require.Nil(t, err)
	}

	// No frame is left for the page table that would hold the mapping
	_, err := tm.cpu.ReadByte(testUserAddr, cpu.Supervisor)
	assert.Equal(t, cpu.ErrAccessDropped, err)
	assert.Equal(t, 2, strings.Count(tm.log.String(), "[vmm] unable to map page 0x40000000 to the forbidden page: out of memory\n"))
}

func TestPageFaultWithoutActiveSpace(t *testing.T) {
	tm := setupTestMachine(t)
	tm.mgr.active = nil

	tm.mgr.pageFaultHandler(&gate.Registers{})
	assert.Contains(t, tm.log.String(), "[vmm] no active address space; fault not handled\n")
}
