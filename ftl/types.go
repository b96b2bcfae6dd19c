package ftl

import (
	"time"

	"go.uber.org/atomic"
)

// PhysicalAddress is a sector number addressing one host page within the
// device (§3).
type PhysicalAddress int64

const (
	// LTOPEmpty marks "no physical page allocatable right now".
	LTOPEmpty PhysicalAddress = -1
	// LTOPPoison marks a reverse-map entry as stale.
	LTOPPoison PhysicalAddress = -2
)

// LogicalAddress is the upper-layer sector divided by the
// host-pages-per-logical-sector ratio; dense in [0, nr_pages).
type LogicalAddress int64

// Address is the allocation result handed back to a caller: a physical
// page plus a reference to the block it lives in. Allocated from a bounded
// pool so the submit path never waits on a general allocator (§9).
type Address struct {
	PAddr    PhysicalAddress
	Block    *Block
	fromPool bool
}

// addressPool is a bounded free-list of *Address, mirroring the mempool
// original_source/drivers/md/lightnvm/core.c uses for per_bio_data
// (alloc_init_pbd/free_pbd): submission never blocks on a general
// allocator, it either gets a free slot or the request is deferred.
type addressPool struct {
	mu   latch
	free []*Address
}

func newAddressPool(capacity int) *addressPool {
	p := &addressPool{free: make([]*Address, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Address{fromPool: true})
	}
	return p
}

func (p *addressPool) get() *Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	a := p.free[n-1]
	p.free = p.free[:n-1]
	return a
}

func (p *addressPool) put(a *Address) {
	if a == nil || !a.fromPool {
		return
	}
	a.PAddr = 0
	a.Block = nil
	p.mu.Lock()
	p.free = append(p.free, a)
	p.mu.Unlock()
}

// Pb is the per-request context attached to every in-flight device
// request (§3, "Pb"). It is the Go analog of lightnvm's
// per_bio_data: it carries the host request (origin) whose own completion
// hook endio invokes once the device request finishes.
type Pb struct {
	// origEndIO/origPriv are not set or read by the read or write path: the
	// request's done hook is never replaced, so endio calls it directly
	// through origin.
	origEndIO  CompletionFunc
	origPriv   interface{}
	ap         *AppendPoint
	addr       *Address
	laddr      LogicalAddress
	origin     *Request // the host request this device submission serves
	syncDone   chan error
	start      time.Time
	mapUsed    TransMap
	isGCRead   bool
	fromPool   bool
}

type pbPool struct {
	mu   latch
	free []*Pb
}

func newPbPool(capacity int) *pbPool {
	p := &pbPool{free: make([]*Pb, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Pb{fromPool: true})
	}
	return p
}

func (p *pbPool) get() *Pb {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	pb := p.free[n-1]
	p.free = p.free[:n-1]
	return pb
}

func (p *pbPool) put(pb *Pb) {
	if pb == nil || !pb.fromPool {
		return
	}
	*pb = Pb{fromPool: true}
	p.mu.Lock()
	p.free = append(p.free, pb)
	p.mu.Unlock()
}

// ioAccess counts read/write accesses on an append point (§3).
type ioAccess struct {
	Read  atomic.Uint64
	Write atomic.Uint64
}
