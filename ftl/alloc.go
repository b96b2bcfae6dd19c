package ftl

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrDeferred signals transient exhaustion on the non-GC write path: no
// physical page is available right now, and the caller must defer and
// kick GC (§4.3, §7). It is never returned to a GC caller — GC
// writes either succeed or exhaust the whole device.
var ErrDeferred = errors.New("ftl: no free page, request deferred")

// allocAddrFromAP is the allocator's policy tree (§4.3, component
// C5). It holds ap.lock for its whole body, matching §5's lock
// list ("ap.lock — held around alloc_addr_from_ap").
func (f *FTL) allocAddrFromAP(ap *AppendPoint, isGC bool) (*Address, error) {
	ap.lock.Lock()
	defer ap.lock.Unlock()

	tryAlloc := func(block *Block) (PhysicalAddress, bool) {
		if block == nil {
			return 0, false
		}
		addr, err := block.AllocPhys(nil)
		if err != nil {
			return 0, false
		}
		f.strategy.AllocPhysAddr(f, block)
		return addr, true
	}

	if addr, ok := tryAlloc(ap.cur); ok {
		return f.newAddressResult(addr, ap.cur)
	}

	// ap.cur is empty or full: the user path always tries to rotate onto a
	// fresh block first, GC included (§4.3 step 2).
	if newBlock, err := ap.pool.GetBlock(false); err == nil {
		ap.setCurrent(newBlock)
		if addr, ok := tryAlloc(newBlock); ok {
			return f.newAddressResult(addr, newBlock)
		}
		return nil, errors.WithStack(errAllocInvariant)
	}

	if !isGC {
		return nil, ErrDeferred
	}

	// GC fallback: its own append point, its own reserve-free free-block
	// acquisition (§4.3 step 2, P7 — GC bypasses the nr_aps
	// reserve that just blocked the branch above).
	if addr, ok := tryAlloc(ap.gcCur); ok {
		return f.newAddressResult(addr, ap.gcCur)
	}

	// §E.2: fetch and verify the block *before* installing it
	// as gc_cur — never store-then-check.
	gcBlock, err := ap.pool.GetBlock(true)
	if err != nil {
		return nil, errors.Wrap(err, "ftl: gc allocation exhausted")
	}
	ap.setCurrentGC(gcBlock)
	if addr, ok := tryAlloc(gcBlock); ok {
		return f.newAddressResult(addr, gcBlock)
	}
	return nil, errors.WithStack(errAllocInvariant)
}

var errAllocInvariant = errors.New("ftl: freshly acquired block failed its first allocation")

func (f *FTL) newAddressResult(paddr PhysicalAddress, block *Block) (*Address, error) {
	addr := f.addrMap.addrPool.get()
	if addr == nil {
		return nil, ErrAddressPoolExhausted
	}
	addr.PAddr = paddr
	addr.Block = block
	return addr, nil
}

// roundRobin holds the rotation counter for mapLtoPRoundRobin, the default
// map_ltop strategy hook (§4.3, component C8's default). User writes rotate through every AP globally;
// GC writes are steered toward whichever pool currently has the most free
// blocks, biasing copy-forward traffic away from pools under pressure.
type roundRobin struct {
	next atomic.Uint64
}

func (f *FTL) mapLtoPRoundRobin(laddr LogicalAddress, isGC bool, which TransMap, _ interface{}) (*Address, error) {
	var ap *AppendPoint
	if !isGC {
		idx := f.rr.next.Inc() - 1
		ap = f.aps[idx%uint64(len(f.aps))]
	} else {
		ap = f.gcTargetAP()
	}

	// §E.1: count the attempt before knowing whether the
	// allocator will succeed, matching the source's accounting order.
	ap.accessAccounting(true)

	addr, err := f.allocAddrFromAP(ap, isGC)
	if err != nil {
		return nil, err
	}
	f.addrMap.UpdateMap(which, laddr, addr.PAddr, addr.Block)
	return addr, nil
}

// gcTargetAP scans pools without locking — an approximate read of
// nr_free_blocks is acceptable here per §4.3 ("estimate is
// acceptable") — and returns the first AP of whichever pool currently has
// the most free blocks.
func (f *FTL) gcTargetAP() *AppendPoint {
	best := f.pools[0]
	for _, p := range f.pools[1:] {
		if p.NrFreeBlocks() > best.NrFreeBlocks() {
			best = p
		}
	}
	return f.apsByPool[best.id][0]
}
