package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFTL(geo *Geometry, flags *Flags, sub Submitter) *FTL {
	if sub == nil {
		sub = NewEmulatedDevice()
	}
	return New(geo, flags, sub)
}

// Scenario 4 (§8): filling the only block then issuing one more
// allocation triggers the reserve and returns ErrDeferred, never a panic
// or a silent zero address.
func TestAllocAddrFromAPExhaustionDefers(t *testing.T) {
	geo := &Geometry{
		NrPools: 1, BlocksPerPool: 2, NrAPsPerPool: 1,
		FlashPagesPerBlock: 2, HostPagesPerFlashPage: 1, PhysSectorsPerLogPage: 1,
	}
	flags := &Flags{NoWaits: true}
	f := newTestFTL(geo, flags, nil)
	ap := f.aps[0]

	// Two pages fill the first block entirely without touching the pool's
	// second (reserved) block.
	_, err := f.allocAddrFromAP(ap, false)
	require.NoError(t, err)
	_, err = f.allocAddrFromAP(ap, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.pools[0].NrFreeBlocks())

	// The block is full now; a fresh block is needed, but the pool's one
	// remaining free block equals nr_aps(1) — the standing GC reserve —
	// so the user allocation is refused and deferred.
	_, err = f.allocAddrFromAP(ap, false)
	assert.ErrorIs(t, err, ErrDeferred)
	assert.EqualValues(t, 1, f.pools[0].NrFreeBlocks())
}

// Scenario 5: GC bypasses the nr_aps reserve and succeeds by taking the
// last free block through the is_gc path, exactly where a user write
// would have been deferred.
func TestAllocAddrFromAPGCBypassesReserve(t *testing.T) {
	geo := &Geometry{
		NrPools: 1, BlocksPerPool: 3, NrAPsPerPool: 2,
		FlashPagesPerBlock: 1, HostPagesPerFlashPage: 1, PhysSectorsPerLogPage: 1,
	}
	flags := &Flags{NoWaits: true}
	f := newTestFTL(geo, flags, nil)

	// First AP takes a fresh block: nr_free_blocks(3) > nr_aps(2), so this
	// one is allowed, dropping the count to 2.
	_, err := f.allocAddrFromAP(f.aps[0], false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.pools[0].NrFreeBlocks())

	// Second AP's user allocation now sees nr_free_blocks(2) <= nr_aps(2):
	// the reserve refuses it, and the non-GC caller gets ErrDeferred.
	_, err = f.allocAddrFromAP(f.aps[1], false)
	assert.ErrorIs(t, err, ErrDeferred)
	assert.EqualValues(t, 2, f.pools[0].NrFreeBlocks(), "a refused allocation must not consume the reserved block")

	// The same AP, now as a GC caller, bypasses the reserve and still
	// succeeds by taking one of the blocks held back for it.
	addr, err := f.allocAddrFromAP(f.aps[1], true)
	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.EqualValues(t, 1, f.pools[0].NrFreeBlocks())
}

func TestMapLtoPRoundRobinDistributesAcrossAPs(t *testing.T) {
	geo := &Geometry{
		NrPools: 2, BlocksPerPool: 3, NrAPsPerPool: 1,
		FlashPagesPerBlock: 2, HostPagesPerFlashPage: 1, PhysSectorsPerLogPage: 1,
	}
	flags := &Flags{NoWaits: true}
	f := newTestFTL(geo, flags, nil)

	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		addr, err := f.mapLtoPRoundRobin(LogicalAddress(i), false, TransMapLive, nil)
		require.NoError(t, err)
		seen[addr.Block.poolID] = true
	}
	assert.Len(t, seen, 2, "round robin should have touched both pools")
}
