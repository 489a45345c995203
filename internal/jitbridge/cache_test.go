package jitbridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/cellvm/internal/wasm"
)

type fakeCode struct {
	entry uintptr
	size  int
}

func (c *fakeCode) Entry() uintptr { return c.entry }

func (c *fakeCode) Size() int { return c.size }

func (c *fakeCode) Call(Env, []uint32) error { return nil }

func TestCodeCache(t *testing.T) {
	m1, m2 := wasm.ModuleID{1}, wasm.ModuleID{2}
	c := NewCodeCache(100)

	require.NoError(t, c.Put(m1, 0, &fakeCode{entry: 1, size: 40}))
	require.NoError(t, c.Put(m1, 1, &fakeCode{entry: 2, size: 40}))
	require.Equal(t, 80, c.Used())

	err := c.Put(m2, 0, &fakeCode{entry: 3, size: 40})
	require.EqualError(t, err, "code cache full: 80B used of 100B, 40B requested")
	require.Equal(t, 80, c.Used())
	_, ok := c.Get(m2, 0)
	require.False(t, ok)

	// Replacing code only counts the difference.
	require.NoError(t, c.Put(m1, 1, &fakeCode{entry: 4, size: 60}))
	require.Equal(t, 100, c.Used())
	code, ok := c.Get(m1, 1)
	require.True(t, ok)
	require.Equal(t, uintptr(4), code.Entry())

	require.Equal(t, 2, c.DeleteModule(m1))
	require.Zero(t, c.Used())
	require.Zero(t, c.DeleteModule(m1))
	require.NoError(t, c.Put(m2, 0, &fakeCode{entry: 3, size: 40}))
}

func TestCodeCache_Unlimited(t *testing.T) {
	c := NewCodeCache(0)
	for i := wasm.Index(0); i < 10; i++ {
		require.NoError(t, c.Put(wasm.ModuleID{}, i, &fakeCode{size: 1 << 20}))
	}
	require.Equal(t, 10<<20, c.Used())
}
