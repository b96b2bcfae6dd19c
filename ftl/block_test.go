package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeo() *Geometry {
	return &Geometry{
		NrPools:               1,
		BlocksPerPool:         2,
		NrAPsPerPool:          1,
		FlashPagesPerBlock:    4,
		HostPagesPerFlashPage: 1,
		PhysSectorsPerLogPage: 1,
	}
}

// P3: successive AllocPhys calls on one block return strictly increasing
// addresses that never cross the block's page budget.
func TestBlockAllocPhysMonotonic(t *testing.T) {
	geo := testGeo()
	b := newBlock(geo, 0, 0)
	b.reset(make([][]byte, geo.HostPagesInBlk()))

	var prev PhysicalAddress = -1
	for i := uint32(0); i < geo.HostPagesInBlk(); i++ {
		addr, err := b.AllocPhys(nil)
		require.NoError(t, err)
		assert.Greater(t, int64(addr), int64(prev))
		prev = addr
	}
	assert.True(t, b.IsFull())

	_, err := b.AllocPhys(nil)
	assert.ErrorIs(t, err, ErrBlockFull)
}

func TestBlockInvalidateAccounting(t *testing.T) {
	geo := testGeo()
	b := newBlock(geo, 0, 0)
	b.reset(make([][]byte, geo.HostPagesInBlk()))

	assert.EqualValues(t, 0, b.NrInvalidPages())
	b.Invalidate(0)
	assert.EqualValues(t, 1, b.NrInvalidPages())

	// Double invalidation is logged and otherwise a no-op, not a second
	// increment (§7 invariant-violation handling).
	b.Invalidate(0)
	assert.EqualValues(t, 1, b.NrInvalidPages())

	b.Invalidate(1)
	assert.EqualValues(t, 2, b.NrInvalidPages())
}

func TestBlockPackHostPageAndCommit(t *testing.T) {
	geo := &Geometry{
		NrPools: 1, BlocksPerPool: 1, NrAPsPerPool: 1,
		FlashPagesPerBlock: 2, HostPagesPerFlashPage: 2, PhysSectorsPerLogPage: 1,
	}
	b := newBlock(geo, 0, 0)
	b.reset(make([][]byte, geo.HostPagesInBlk()))

	a0, err := b.AllocPhys(nil)
	require.NoError(t, err)
	a1, err := b.AllocPhys(nil)
	require.NoError(t, err)

	start, ready := b.packHostPage(a0, []byte("x"), nil)
	assert.False(t, ready)
	start2, ready2 := b.packHostPage(a1, []byte("y"), nil)
	assert.True(t, ready2)
	assert.Equal(t, start, start2)

	pages := b.flashPageBytes(start)
	require.Len(t, pages, 2)
	assert.Equal(t, []byte("x"), pages[0])
	assert.Equal(t, []byte("y"), pages[1])

	done1 := b.commit()
	assert.False(t, done1)
	done2 := b.commit()
	assert.False(t, done2)
	// The buffer is released only once all HostPagesInBlk (4) host pages
	// have committed, not when the first flash page does.
	assert.False(t, b.commit())
	assert.True(t, b.commit())
}

func TestBlockReset(t *testing.T) {
	geo := testGeo()
	b := newBlock(geo, 0, 0)
	buf := make([][]byte, geo.HostPagesInBlk())
	b.reset(buf)

	_, err := b.AllocPhys(nil)
	require.NoError(t, err)
	b.Invalidate(0)
	b.SetGCRunning(true)

	b.reset(make([][]byte, geo.HostPagesInBlk()))
	assert.False(t, b.IsFull())
	assert.EqualValues(t, 0, b.NrInvalidPages())
	assert.False(t, b.GCRunning())
}
