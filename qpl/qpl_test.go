//go:build linux

package qpl_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/gvnic/desc"
	"github.com/romshark/gvnic/dma"
	"github.com/romshark/gvnic/qpl"
)

func newAllocator(t *testing.T, limitBytes, budget int) (*qpl.Allocator, *dma.Arena) {
	t.Helper()
	arena := dma.NewArena(limitBytes)
	t.Cleanup(func() { _ = arena.Close() })
	l, _ := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return qpl.NewAllocator(arena, budget, l), arena
}

func TestAllocAndFree(t *testing.T) {
	a, arena := newAllocator(t, 0, 16)

	q, err := a.Alloc(3, 4, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), q.ID)
	assert.Equal(t, 4, q.NumPages())
	assert.Equal(t, 4, a.Registered())
	for i, p := range q.Pages() {
		assert.Equal(t, i, p.Index())
		assert.Equal(t, int32(1), p.Refs())
		assert.Len(t, p.Mem, qpl.PageSize)
	}

	a.Free(q)
	assert.Zero(t, a.Registered())
	assert.Zero(t, q.Live())
	assert.Zero(t, arena.InUse())

	// Idempotent.
	a.Free(q)
	assert.Zero(t, a.Registered())
}

func TestSingleMappingIsContiguous(t *testing.T) {
	a, arena := newAllocator(t, 0, 16)

	q, err := a.Alloc(0, 3, true)
	require.NoError(t, err)
	require.True(t, q.SingleMapping())
	assert.Len(t, q.Bytes(), 3*qpl.PageSize)
	for i := 1; i < q.NumPages(); i++ {
		assert.Equal(t, q.Page(0).Bus+uint64(i*qpl.PageSize), q.Page(i).Bus)
	}

	a.Free(q)
	assert.Zero(t, arena.InUse())
}

func TestBudgetExceededUnwinds(t *testing.T) {
	a, arena := newAllocator(t, 0, 8)

	_, err := a.Alloc(0, 6, false)
	require.NoError(t, err)

	_, err = a.Alloc(1, 3, false)
	assert.ErrorIs(t, err, qpl.ErrBudgetExceeded)
	assert.Equal(t, 6, a.Registered())
	assert.Equal(t, 6*qpl.PageSize, arena.InUse())
}

func TestDMAFailureUnwinds(t *testing.T) {
	a, arena := newAllocator(t, 2*qpl.PageSize, 8)

	_, err := a.Alloc(0, 3, false)
	assert.ErrorIs(t, err, dma.ErrExhausted)
	assert.Zero(t, a.Registered())
	assert.Zero(t, arena.InUse())
}

func TestFreeDeferredWhileReferenced(t *testing.T) {
	a, arena := newAllocator(t, 0, 8)

	q, err := a.Alloc(0, 2, false)
	require.NoError(t, err)

	loaned := q.Page(1)
	loaned.IncRef()
	assert.Equal(t, int32(2), loaned.Refs())

	a.Free(q)
	assert.Zero(t, a.Registered(), "budget is returned immediately")
	assert.Equal(t, 1, q.Live())
	assert.Equal(t, qpl.PageSize, arena.InUse())

	loaned.DecRef()
	assert.Zero(t, q.Live())
	assert.Zero(t, arena.InUse())

	assert.Panics(t, func() { loaned.DecRef() })
}

func TestUnregisteredListIgnoresBudget(t *testing.T) {
	a, _ := newAllocator(t, 0, 0)

	q, err := a.AllocUnregistered(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(desc.RawAddressingQPLID), q.ID)
	assert.Equal(t, 4, q.NumPages())
	assert.Zero(t, a.Registered())

	a.Free(q)
	assert.Zero(t, a.Registered())
	assert.Zero(t, q.Live())
}
