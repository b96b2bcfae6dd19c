package ftl

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/nvmftl/ftlcore/logger"
)

// ErrBlockFull and ErrAllocFiltered are the two error kinds AllocPhys can
// raise: the first is expected control flow (§7 "transient exhaustion"),
// the second means the filter rejected the candidate flash page.
var (
	ErrBlockFull    = errors.New("ftl: block has no more physical pages")
	ErrAllocFiltered = errors.New("ftl: candidate flash page rejected by filter")
)

// Block is one erase unit: an append cursor plus an invalid-page bitmap.
// Modeled on a BaseExtent's AllocatePage/FreePage/IsFull shape,
// generalized from a fixed 64-page extent to the two-level
// flash-page/host-page cursor an open-channel device needs.
type Block struct {
	mu latch

	geo   *Geometry
	poolID     uint32
	blockIndex uint32
	base       PhysicalAddress // first physical address owned by this block

	nextPage   uint32 // flash-page cursor
	nextOffset uint32 // host-page cursor within the current flash page

	invalid        bitset
	nrInvalidPages atomic.Uint32

	dataSize     atomic.Uint32 // host pages written into the write buffer
	dataCmntSize atomic.Uint32 // host pages whose device write has completed
	gcRunning    atomic.Bool

	// owningAP is a non-owning back-reference; §3 invariant:
	// non-nil only while this block is reachable from that AP and is on
	// the pool's used list. reset clears it under pool.lock; the append
	// point's setCurrent/setCurrentGC set and clear it under ap.lock.
	owningAP *AppendPoint

	writeBuf [][]byte // len == geo.HostPagesInBlk(); nil when not in use
	pending  []*Pb    // parallel to writeBuf: the Pb waiting on each slot's flash-page flush
}

func newBlock(geo *Geometry, poolID, blockIndex uint32) *Block {
	b := &Block{
		geo:        geo,
		poolID:     poolID,
		blockIndex: blockIndex,
		base:       PhysicalAddress(blockIndex) * PhysicalAddress(geo.HostPagesInBlk()),
		invalid:    newBitset(geo.HostPagesInBlk()),
	}
	return b
}

// ID identifies a block by (pool_id, block_index), §3.
func (b *Block) ID() (poolID, blockIndex uint32) { return b.poolID, b.blockIndex }

// IsFull reports whether every physical page in the block has been handed
// out by AllocPhys. The cursor only advances to the next flash page once
// its current one is exhausted, so fullness is the total host pages
// dispensed so far, not a direct comparison against next_page.
func (b *Block) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dispensed := b.nextPage*b.geo.HostPagesPerFlashPage + b.nextOffset
	return dispensed >= b.geo.HostPagesInBlk()
}

// NrInvalidPages returns the live invalidation counter (§8, P2).
func (b *Block) NrInvalidPages() uint32 { return b.nrInvalidPages.Load() }

// DataCmntSize returns the number of host-page writes this block has seen
// complete at the device.
func (b *Block) DataCmntSize() uint32 { return b.dataCmntSize.Load() }

// GCRunning reports whether a GC copy-forward currently owns this block
// (§4.4 — a reader must not chase a page GC is about to invalidate).
func (b *Block) GCRunning() bool { return b.gcRunning.Load() }

// SetGCRunning is called by the (external) GC collaborator before it
// starts copying live pages out of this block.
func (b *Block) SetGCRunning(v bool) { b.gcRunning.Store(v) }

// AllocPhys hands out the next physical host-page address under the block
// lock (§4.1). filter, if non-nil, is consulted with the
// candidate next flash page before the cursor crosses into it; a reject
// fails the allocation without advancing the cursor, used to keep
// reserved special pages out of the normal address stream.
func (b *Block) AllocPhys(filter func(nextFlashPage uint32) bool) (PhysicalAddress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextPage >= b.geo.FlashPagesPerBlock {
		return LTOPEmpty, ErrBlockFull
	}

	if b.nextOffset == b.geo.HostPagesPerFlashPage {
		candidate := b.nextPage + 1
		if candidate >= b.geo.FlashPagesPerBlock {
			b.nextPage = candidate
			return LTOPEmpty, ErrBlockFull
		}
		if filter != nil && !filter(candidate) {
			return LTOPEmpty, ErrAllocFiltered
		}
		b.nextPage = candidate
		b.nextOffset = 0
	}

	addr := b.base +
		PhysicalAddress(b.nextPage)*PhysicalAddress(b.geo.HostPagesPerFlashPage) +
		PhysicalAddress(b.nextOffset)
	b.nextOffset++
	return addr, nil
}

// Invalidate marks the page at the given block-relative offset as no
// longer live. Setting an already-set bit is a map-update bug in the
// caller; per §7 it is logged and the call is otherwise a no-op
// rather than a hard failure.
func (b *Block) Invalidate(pageOffset uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.invalid.test(pageOffset) {
		logger.Warnf("ftl: double invalidation of pool=%d block=%d offset=%d",
			b.poolID, b.blockIndex, pageOffset)
		return
	}
	b.invalid.set(pageOffset)
	b.nrInvalidPages.Inc()
}

// reset clears cursors, the invalidation bitmap, and AP ownership, then
// attaches a freshly allocated write buffer. Callers must already hold
// pool.lock (§4.1; Pool.GetBlock calls it before releasing the lock) so
// the block is never visible as free and reachable from an AP at the same time.
func (b *Block) reset(buf [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid.clear()
	b.nrInvalidPages.Store(0)
	b.nextPage = 0
	b.nextOffset = 0
	b.dataSize.Store(0)
	b.dataCmntSize.Store(0)
	b.gcRunning.Store(false)
	b.owningAP = nil
	b.writeBuf = buf
	if b.pending == nil || len(b.pending) != len(buf) {
		b.pending = make([]*Pb, len(buf))
	} else {
		for i := range b.pending {
			b.pending[i] = nil
		}
	}
}

// packHostPage writes a host page's bytes into this block's write buffer
// at the slot derived from its physical address, and reports whether that
// completes the flash page the slot belongs to (§4.5 step 3). pb
// is stashed alongside the data so the request that packed this slot can
// be completed once the containing flash page actually reaches the device.
func (b *Block) packHostPage(paddr PhysicalAddress, data []byte, pb *Pb) (flashPageStart int, flashPageReady bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slot := int(paddr) % len(b.writeBuf)
	b.writeBuf[slot] = data
	b.pending[slot] = pb
	b.dataSize.Inc()

	n := int(b.geo.HostPagesPerFlashPage)
	flashPageStart = (slot / n) * n
	for i := flashPageStart; i < flashPageStart+n; i++ {
		if b.writeBuf[i] == nil {
			return flashPageStart, false
		}
	}
	return flashPageStart, true
}

// flashPageBytes returns the n packed host pages making up the flash page
// starting at the given write-buffer slot.
func (b *Block) flashPageBytes(flashPageStart int) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := int(b.geo.HostPagesPerFlashPage)
	out := make([][]byte, n)
	copy(out, b.writeBuf[flashPageStart:flashPageStart+n])
	return out
}

// takeFlashPagePending returns and clears the Pb slice for the flash page
// starting at the given slot, so the caller can complete every host write
// that was packed into it once the device write finishes.
func (b *Block) takeFlashPagePending(flashPageStart int) []*Pb {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int(b.geo.HostPagesPerFlashPage)
	out := make([]*Pb, n)
	copy(out, b.pending[flashPageStart:flashPageStart+n])
	for i := flashPageStart; i < flashPageStart+n; i++ {
		b.pending[i] = nil
	}
	return out
}

// releaseBuffer detaches and returns the block's write buffer, if any,
// so the owning pool can recycle it into its bounded buffer free-list.
func (b *Block) releaseBuffer() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.writeBuf
	b.writeBuf = nil
	return buf
}

// commit advances the commit counter by one host page and reports whether
// the block's write buffer can now be released (§4.5 step 2).
func (b *Block) commit() (bufferDone bool) {
	n := b.dataCmntSize.Inc()
	if n == b.geo.HostPagesInBlk() {
		b.mu.Lock()
		b.writeBuf = nil
		b.mu.Unlock()
		return true
	}
	return false
}

// bitset is a small fixed-size bitmap, used for the invalid-page bitmap.
// util/bitutils.go elsewhere in this codebase does the same job through
// string conversions (ConvertByte2Bits/...); that is too slow for a
// per-page hot path, so this is a plain []uint64 word bitmap instead.
type bitset struct {
	words []uint64
}

func newBitset(n uint32) bitset {
	return bitset{words: make([]uint64, (n+63)/64)}
}

func (bs *bitset) set(i uint32)      { bs.words[i/64] |= 1 << (i % 64) }
func (bs *bitset) test(i uint32) bool { return bs.words[i/64]&(1<<(i%64)) != 0 }
func (bs *bitset) clear() {
	for i := range bs.words {
		bs.words[i] = 0
	}
}
