package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/kernel/gate"
	"pmos/kernel/mm"
)

const (
	testPDTFrame   = mm.Frame(1)
	testTableFrame = mm.Frame(2)
	testDataFrame  = mm.Frame(3)

	// testVirtAddr is resolved through directory slot 1 and table slot 5
	testVirtAddr = uintptr(0x405000)
)

// setupMachine returns a CPU with paging enabled and a single page at
// testVirtAddr mapped to testDataFrame with the supplied flags.
func setupMachine(t *testing.T, pdeFlags, pteFlags uint32) *CPU {
	mem := mm.NewPhysMem(16 * mm.Size(mm.PageSize))
	c := New(mem)

	*mem.Uint32(testPDTFrame.Address() + 1<<2) = uint32(testTableFrame.Address()) | pdeFlags
	*mem.Uint32(testTableFrame.Address() + 5<<2) = uint32(testDataFrame.Address()) | pteFlags

	c.SwitchPDT(testPDTFrame.Address())
	c.EnablePaging()
	require.True(t, c.PagingEnabled())
	require.Equal(t, testPDTFrame.Address(), c.ActivePDT())
	return c
}

func TestInterruptFlag(t *testing.T) {
	c := New(mm.NewPhysMem(mm.Size(mm.PageSize)))
	assert.False(t, c.InterruptsEnabled(), "expected interrupts to be masked after reset")

	c.EnableInterrupts()
	assert.True(t, c.InterruptsEnabled())

	c.DisableInterrupts()
	assert.False(t, c.InterruptsEnabled())

	c.EnableInterrupts()
	c.Halt()
	assert.True(t, c.Halted())
	assert.False(t, c.InterruptsEnabled())

	_, err := c.ReadByte(0, Supervisor)
	assert.Equal(t, ErrHalted, err)
}

func TestAccessWithPagingDisabled(t *testing.T) {
	mem := mm.NewPhysMem(2 * mm.Size(mm.PageSize))
	c := New(mem)

	require.Nil(t, c.WriteByte(0x1234, 0xab, Supervisor))
	assert.Equal(t, byte(0xab), *mem.Byte(0x1234))

	got, err := c.ReadByte(0x1234, User)
	require.Nil(t, err)
	assert.Equal(t, byte(0xab), got)

	_, err = c.ReadByte(2*mm.PageSize, Supervisor)
	assert.Equal(t, ErrBusError, err)
}

func TestAccessThroughMappedPage(t *testing.T) {
	rwUser := ptePresent | pteRW | pteUser
	c := setupMachine(t, rwUser, rwUser)
	mem := c.Memory()

	n, err := c.Write(testVirtAddr+0x10, []byte("hello"), User)
	require.Nil(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), mem.FrameData(testDataFrame)[0x10:0x15])

	buf := make([]byte, 5)
	_, err = c.Read(testVirtAddr+0x10, buf, Supervisor)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(buf))

	pde := *mem.Uint32(testPDTFrame.Address() + 1<<2)
	pte := *mem.Uint32(testTableFrame.Address() + 5<<2)
	assert.NotZero(t, pde&pteAccessed, "expected accessed bit to be set on the directory entry")
	assert.NotZero(t, pte&pteAccessed, "expected accessed bit to be set on the table entry")
	assert.NotZero(t, pte&pteDirty, "expected dirty bit to be set after a write")
}

func TestPageFaultErrorCodes(t *testing.T) {
	specs := []struct {
		desc       string
		pdeFlags   uint32
		pteFlags   uint32
		write      bool
		priv       Privilege
		expErrCode uint32
	}{
		{"read from non-present directory entry", 0, 0, false, Supervisor, 0},
		{"write to non-present page", ptePresent | pteRW, 0, true, Supervisor, faultWrite},
		{"user read from non-present page", ptePresent | pteRW | pteUser, 0, false, User, faultUser},
		{"user read from supervisor page", ptePresent | pteRW | pteUser, ptePresent | pteRW, false, User, faultProtection | faultUser},
		{"user read through supervisor table", ptePresent | pteRW, ptePresent | pteUser, false, User, faultProtection | faultUser},
		{"supervisor write to read-only page", ptePresent | pteRW, ptePresent, true, Supervisor, faultProtection | faultWrite},
		{"user write to read-only page", ptePresent | pteRW | pteUser, ptePresent | pteUser, true, User, faultProtection | faultWrite | faultUser},
	}

	for _, spec := range specs {
		t.Run(spec.desc, func(t *testing.T) {
			c := setupMachine(t, spec.pdeFlags, spec.pteFlags)
			c.EnableInterrupts()

			var (
				faults  int
				gotRegs gate.Registers
			)
			c.HandleInterrupt(gate.PageFaultException, func(regs *gate.Registers) {
				faults++
				gotRegs = *regs
				assert.False(t, c.InterruptsEnabled(), "expected interrupts to be masked while the handler runs")
			})

			var err error
			if spec.write {
				if kerr := c.WriteByte(testVirtAddr+3, 1, spec.priv); kerr != nil {
					err = kerr
				}
			} else {
				if _, kerr := c.ReadByte(testVirtAddr+3, spec.priv); kerr != nil {
					err = kerr
				}
			}

			assert.Equal(t, ErrAccessDropped, err)
			assert.Equal(t, 2, faults, "expected the access to be retried once")
			assert.Equal(t, spec.expErrCode, gotRegs.Info)
			assert.Equal(t, uint32(testVirtAddr+3), c.ReadCR2())
			assert.True(t, c.InterruptsEnabled(), "expected interrupt flag to be restored after the handler")

			if spec.priv == User {
				assert.Equal(t, userCodeSelector, gotRegs.CS)
			} else {
				assert.Equal(t, kernelCodeSelector, gotRegs.CS)
			}
		})
	}
}

func TestSupervisorWriteToReadOnlyPageWithoutWP(t *testing.T) {
	c := setupMachine(t, ptePresent|pteRW, ptePresent)
	c.cr0 &^= cr0WP

	require.Nil(t, c.WriteByte(testVirtAddr, 0x42, Supervisor))
	assert.Equal(t, byte(0x42), c.Memory().FrameData(testDataFrame)[0])
}

func TestPageFaultRecovery(t *testing.T) {
	c := setupMachine(t, ptePresent|pteRW, 0)
	mem := c.Memory()
	mem.FrameData(testDataFrame)[7] = 0x99

	faults := 0
	c.HandleInterrupt(gate.PageFaultException, func(regs *gate.Registers) {
		faults++
		*mem.Uint32(testTableFrame.Address() + 5<<2) = uint32(testDataFrame.Address()) | ptePresent
	})

	got, err := c.ReadByte(testVirtAddr+7, Supervisor)
	require.Nil(t, err)
	assert.Equal(t, byte(0x99), got)
	assert.Equal(t, 1, faults)
}

func TestUnhandledPageFaultHaltsCPU(t *testing.T) {
	c := setupMachine(t, 0, 0)

	_, err := c.ReadByte(testVirtAddr, Supervisor)
	assert.Equal(t, ErrUnhandledException, err)
	assert.True(t, c.Halted())
}

func TestBusError(t *testing.T) {
	c := setupMachine(t, ptePresent|pteRW, ptePresent|pteRW)
	*c.Memory().Uint32(testTableFrame.Address() + 5<<2) = uint32(64*mm.PageSize) | ptePresent | pteRW

	_, err := c.ReadByte(testVirtAddr, Supervisor)
	assert.Equal(t, ErrBusError, err)

	c.SwitchPDT(0x100000)
	_, err = c.ReadByte(testVirtAddr, Supervisor)
	assert.Equal(t, ErrBusError, err)
}
