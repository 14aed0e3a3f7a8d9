package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeController struct {
	enabled     bool
	enableCalls int
}

func (c *fakeController) DisableInterrupts()      { c.enabled = false }
func (c *fakeController) EnableInterrupts()       { c.enabled = true; c.enableCalls++ }
func (c *fakeController) InterruptsEnabled() bool { return c.enabled }

func TestInterruptLock(t *testing.T) {
	t.Run("restores enabled interrupts", func(t *testing.T) {
		ic := &fakeController{enabled: true}
		l := NewInterruptLock(ic)

		l.Acquire()
		assert.False(t, ic.enabled)
		assert.True(t, l.Held())

		l.Release()
		assert.True(t, ic.enabled)
		assert.False(t, l.Held())
		assert.Equal(t, 1, ic.enableCalls)
	})

	t.Run("keeps interrupts masked if they were masked", func(t *testing.T) {
		ic := &fakeController{enabled: false}
		l := NewInterruptLock(ic)

		l.Acquire()
		l.Release()
		assert.False(t, ic.enabled)
		assert.Zero(t, ic.enableCalls)
	})

	t.Run("nested acquire", func(t *testing.T) {
		ic := &fakeController{enabled: true}
		l := NewInterruptLock(ic)

		l.Acquire()
		l.Acquire()
		l.Release()
		assert.False(t, ic.enabled, "inner Release must not unmask interrupts")

		l.Release()
		assert.True(t, ic.enabled)
	})

	t.Run("independent locks on the same controller", func(t *testing.T) {
		ic := &fakeController{enabled: true}
		outer, inner := NewInterruptLock(ic), NewInterruptLock(ic)

		outer.Acquire()
		inner.Acquire()
		inner.Release()
		assert.False(t, ic.enabled)

		outer.Release()
		assert.True(t, ic.enabled)
	})

	t.Run("release without acquire", func(t *testing.T) {
		ic := &fakeController{enabled: false}
		l := NewInterruptLock(ic)

		l.Release()
		assert.False(t, ic.enabled)
		assert.False(t, l.Held())
	})
}
