package ftl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1/2 from §8: first write then overwrite, checked
// directly against the address map without going through the pipeline.
func TestAddrMapUpdateAndInvalidate(t *testing.T) {
	geo := testGeo()
	am := newAddrMap(0, 16)
	block := newBlock(geo, 0, 0)
	block.reset(make([][]byte, geo.HostPagesInBlk()))

	laddr := LogicalAddress(7)

	am.UpdateMap(TransMapLive, laddr, 0, block)
	addr, err := am.LookupLToP(TransMapLive, laddr)
	require.NoError(t, err)
	assert.EqualValues(t, 0, addr.PAddr)
	assert.Same(t, block, addr.Block)

	rladdr, ok := am.ReverseLookup(0)
	require.True(t, ok)
	assert.Equal(t, laddr, rladdr)

	// Overwrite: paddr 0 poisons, paddr 1 becomes live.
	am.UpdateMap(TransMapLive, laddr, 1, block)
	assert.EqualValues(t, 1, block.NrInvalidPages())

	_, ok = am.ReverseLookup(0)
	assert.False(t, ok, "poisoned reverse entry must not resolve")

	rladdr, ok = am.ReverseLookup(1)
	require.True(t, ok)
	assert.Equal(t, laddr, rladdr)
}

// Scenario 3: an unmapped logical address reads back as "no block", the
// pipeline's cue to zero-fill.
func TestAddrMapLookupUnmapped(t *testing.T) {
	am := newAddrMap(0, 4)
	addr, err := am.LookupLToP(TransMapLive, LogicalAddress(42))
	require.NoError(t, err)
	assert.Equal(t, LTOPEmpty, addr.PAddr)
	assert.Nil(t, addr.Block)
}

func TestAddrMapLookupGCRunning(t *testing.T) {
	geo := testGeo()
	am := newAddrMap(0, 4)
	block := newBlock(geo, 0, 0)
	block.reset(make([][]byte, geo.HostPagesInBlk()))
	block.SetGCRunning(true)

	am.UpdateMap(TransMapLive, LogicalAddress(1), 0, block)
	_, err := am.LookupLToP(TransMapLive, LogicalAddress(1))
	assert.ErrorIs(t, err, ErrGCRunning)
}

// P5: a second LockLAddr on the same laddr only proceeds after the first
// UnlockLAddr, i.e. per-laddr critical sections are mutually exclusive.
func TestAddrMapLockLAddrExcludes(t *testing.T) {
	am := newAddrMap(0, 4)
	laddr := LogicalAddress(3)
	am.LockLAddr(laddr)

	entered := make(chan struct{})
	unlocked := make(chan struct{})
	go func() {
		close(entered)
		am.LockLAddr(laddr)
		close(unlocked)
		am.UnlockLAddr(laddr)
	}()
	<-entered

	select {
	case <-unlocked:
		t.Fatal("second LockLAddr on the same laddr returned before the first UnlockLAddr")
	case <-time.After(20 * time.Millisecond):
	}

	am.UnlockLAddr(laddr)
	<-unlocked
}
