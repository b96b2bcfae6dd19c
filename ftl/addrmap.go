package ftl

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// ErrGCRunning is returned by LookupLToP when the target block is
// currently being copied forward by GC (§4.4) — a transient
// condition the caller defers on (§7).
var ErrGCRunning = errors.New("ftl: target block is under GC copy-forward")

// mapping is one forward L2P entry (§3).
type mapping struct {
	paddr PhysicalAddress
	block *Block
}

// AddrMap holds the forward (L2P) and reverse (P2L) address maps plus the
// per-logical-address lock table.
//
// Shaped like the one-mutex-guarded-map[uint32]*X cache managers use
// elsewhere in this codebase; the laddr lock table adds xxhash sharding
// on top so unrelated logical
// addresses never contend on one mutex.
type AddrMap struct {
	// mu guards both fwd maps and the reverse map: a single lock across
	// UpdateMap's four-step invalidate-then-install sequence, plus plain
	// lookups, since the underlying maps are not safe for concurrent
	// read/write even across unrelated keys.
	mu  sync.RWMutex
	fwd [2]map[LogicalAddress]mapping // indexed by TransMap
	rev map[PhysicalAddress]revEntry

	addrPool *addressPool

	shards []sync.Mutex
}

type revEntry struct {
	laddr LogicalAddress
	which TransMap
	valid bool // false once poisoned (LTOP_POISON, §3)
}

func newAddrMap(nrPages int64, addrPoolSize int) *AddrMap {
	shardCount := 256
	am := &AddrMap{
		fwd:      [2]map[LogicalAddress]mapping{make(map[LogicalAddress]mapping), make(map[LogicalAddress]mapping)},
		rev:      make(map[PhysicalAddress]revEntry),
		addrPool: newAddressPool(addrPoolSize),
		shards:   make([]sync.Mutex, shardCount),
	}
	return am
}

func (am *AddrMap) shardFor(laddr LogicalAddress) *sync.Mutex {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(laddr))
	h := xxhash.New64()
	h.Write(buf[:])
	idx := h.Sum64() % uint64(len(am.shards))
	return &am.shards[idx]
}

// LockLAddr serializes every request targeting laddr (§4.4); it
// must be held from pre-translation through request completion.
func (am *AddrMap) LockLAddr(laddr LogicalAddress) { am.shardFor(laddr).Lock() }

// UnlockLAddr releases the lock taken by LockLAddr.
func (am *AddrMap) UnlockLAddr(laddr LogicalAddress) { am.shardFor(laddr).Unlock() }

// LookupLToP copies the forward entry for laddr into a freshly allocated
// Address (§4.4). A missing entry is a valid "unmapped" result
// (Address.Block == nil, read path zero-fills); a GC-running target block
// fails with ErrGCRunning so the caller defers.
func (am *AddrMap) LookupLToP(which TransMap, laddr LogicalAddress) (*Address, error) {
	am.mu.RLock()
	m, ok := am.fwd[which][laddr]
	am.mu.RUnlock()

	addr := am.addrPool.get()
	if addr == nil {
		return nil, ErrAddressPoolExhausted
	}
	if !ok {
		addr.PAddr = LTOPEmpty
		addr.Block = nil
		return addr, nil
	}
	if m.block.GCRunning() {
		am.addrPool.put(addr)
		return nil, ErrGCRunning
	}
	addr.PAddr = m.paddr
	addr.Block = m.block
	return addr, nil
}

// ReleaseAddress returns a looked-up Address to the bounded pool.
// GC reads keep ownership of their Address past the normal completion
// path (§4.5 step 6); everything else releases it here.
func (am *AddrMap) ReleaseAddress(a *Address) { am.addrPool.put(a) }

// UpdateMap applies a new mapping for laddr under the reverse-map lock
// (§4.3): invalidate the previous physical page and poison its
// reverse entry, then install the new forward and reverse entries. This
// four-step sequence, all under one critical section, is the invariant
// §4.3 calls "the central consistency invariant".
func (am *AddrMap) UpdateMap(which TransMap, laddr LogicalAddress, newAddr PhysicalAddress, block *Block) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if prev, ok := am.fwd[which][laddr]; ok && prev.block != nil {
		prev.block.Invalidate(uint32(int64(prev.paddr) % int64(prev.block.geo.HostPagesInBlk())))
		am.rev[prev.paddr] = revEntry{valid: false}
	}

	am.fwd[which][laddr] = mapping{paddr: newAddr, block: block}
	am.rev[newAddr] = revEntry{laddr: laddr, which: which, valid: true}
}

// ReverseLookup returns the logical address currently mapped to paddr, for
// property tests (§8, P1).
func (am *AddrMap) ReverseLookup(paddr PhysicalAddress) (LogicalAddress, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	e, ok := am.rev[paddr]
	if !ok || !e.valid {
		return 0, false
	}
	return e.laddr, true
}

// ErrAddressPoolExhausted is treated as transient (§7): the
// request cannot be constructed right now, so it is deferred.
var ErrAddressPoolExhausted = errors.New("ftl: address pool exhausted")
