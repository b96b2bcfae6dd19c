package ftl

import (
	"errors"
	"time"

	"github.com/nvmftl/ftlcore/logger"
)

// toLogical converts a host-layer sector into the dense logical address
// space the address map indexes by (§3: "divided by the
// host-pages-per-logical-sector ratio").
func (f *FTL) toLogical(sector int64) LogicalAddress {
	return LogicalAddress(sector / f.geo.PhysSectorsPerLogPage)
}

// Read runs the read half of the pipeline (§4.5, component C6):
// lock the logical address, translate it, and either zero-fill an unmapped
// page or dispatch a device read.
func (f *FTL) Read(req *Request) { f.read(req) }

func (f *FTL) read(req *Request) {
	laddr := f.toLogical(req.Sector)
	f.addrMap.LockLAddr(laddr)

	which := TransMapLive
	if req.IsGC {
		which = req.TransMap
	}

	addr, err := f.addrMap.LookupLToP(which, laddr)
	if err != nil {
		f.addrMap.UnlockLAddr(laddr)
		if err == ErrGCRunning || err == ErrAddressPoolExhausted {
			f.deferRequest(req, req.IsGC)
			return
		}
		f.completeRequest(req, err)
		return
	}

	if addr.Block == nil {
		for i := range req.Data {
			req.Data[i] = 0
		}
		f.addrMap.ReleaseAddress(addr)
		f.addrMap.UnlockLAddr(laddr)
		f.completeRequest(req, nil)
		return
	}

	pb := f.pbPool.get()
	if pb == nil {
		pb = &Pb{}
	}
	pb.laddr = laddr
	pb.addr = addr
	pb.ap = addr.Block.owningAP
	pb.mapUsed = which
	pb.isGCRead = req.IsGC
	pb.origin = req
	pb.start = time.Now()

	devReq := &DeviceRequest{PAddr: addr.PAddr, Pages: [][]byte{req.Data}, IsWrite: false}
	devReq.done = func(err error) { f.endioRead(pb, devReq, err) }

	pool := f.pools[addr.Block.poolID]
	pool.Submit(pb, devReq)
}

// endioRead runs completion in the order §4.5 names: release
// lock_addr, consult the endio hook, and only then clear the pool's
// serialization slot — clearing it any earlier would let a freshly kicked
// submission (possibly for this same laddr) race the still-held lock.
func (f *FTL) endioRead(pb *Pb, devReq *DeviceRequest, err error) {
	pool := f.pools[pb.addr.Block.poolID]

	f.addrMap.UnlockLAddr(pb.laddr)          // step 1
	f.strategy.Endio(f, pb.ap, false, pb.start) // step 3

	if pool.serialize {
		pool.OnSerializedComplete() // step 4
	}

	origin := pb.origin
	f.completeRequest(origin, err) // step 5

	// GC reads keep their Address past completion (§4.5 step 6):
	// the copy-forward collaborator still needs addr.Block to issue the
	// matching write before it can release the lookup itself.
	if !pb.isGCRead {
		f.addrMap.ReleaseAddress(pb.addr) // step 6
	}
	f.pbPool.put(pb) // step 7
}

// Write runs the write half of the pipeline (§4.5): lock, map a
// fresh physical page, pack it into the owning block's write buffer, and
// dispatch a device write only once that buffer forms a complete flash
// page. isGC distinguishes a copy-forward write from a host write for the
// allocator's reserve policy (§4.3, P7).
func (f *FTL) Write(req *Request, isGC bool) { f.write(req, isGC) }

func (f *FTL) write(req *Request, isGC bool) {
	laddr := f.toLogical(req.Sector)
	f.addrMap.LockLAddr(laddr)

	which := TransMapLive
	if isGC {
		which = req.TransMap
	}

	addr, err := f.strategy.MapLtoP(f, laddr, isGC, which, req.GCPrivate)
	if err != nil {
		f.addrMap.UnlockLAddr(laddr)
		if errors.Is(err, errAllocInvariant) {
			logger.Errorf("ftl: allocator invariant violated for laddr=%d: %v", laddr, err)
			f.completeRequest(req, err)
			return
		}
		f.deferRequest(req, isGC)
		return
	}

	pb := f.pbPool.get()
	if pb == nil {
		pb = &Pb{}
	}
	pb.laddr = laddr
	pb.addr = addr
	pb.ap = addr.Block.owningAP
	pb.mapUsed = which
	pb.isGCRead = false
	pb.origin = req
	pb.start = time.Now()

	block := addr.Block
	flashPageStart, ready := block.packHostPage(addr.PAddr, req.Data, pb)
	if !ready {
		return
	}

	pages := block.flashPageBytes(flashPageStart)
	devReq := &DeviceRequest{PAddr: block.base + PhysicalAddress(flashPageStart), Pages: pages, IsWrite: true}
	devReq.done = func(err error) { f.endioWrite(block, flashPageStart, devReq, err) }

	pool := f.pools[block.poolID]
	pool.Submit(pb, devReq)
}

// endioWrite fires once a flash page reaches the device. Every host write
// packed into that flash page is completed here, not at pack time — a
// write that merely filled a write-buffer slot is not durable until its
// flash page is actually flushed. Completion follows §4.5's order:
// every packed request releases its lock_addr, commits its buffer slot, and
// consults the endio hook before this flash page's single serialization
// slot is cleared — clearing it earlier would let the pool kick a fresh
// submission while one of these laddr locks is still held.
func (f *FTL) endioWrite(block *Block, flashPageStart int, devReq *DeviceRequest, err error) {
	pool := f.pools[block.poolID]

	pending := block.takeFlashPagePending(flashPageStart)
	for _, pb := range pending {
		if pb == nil {
			continue
		}
		f.addrMap.UnlockLAddr(pb.laddr) // step 1

		if bufferDone := block.commit(); bufferDone { // step 2
			pool.MarkFull(block)
		}

		f.strategy.Endio(f, pb.ap, true, pb.start) // step 3

		origin := pb.origin
		f.completeRequest(origin, err) // step 5

		f.addrMap.ReleaseAddress(pb.addr) // step 6
		f.pbPool.put(pb)                  // step 7
	}

	if pool.serialize {
		pool.OnSerializedComplete() // step 4, once for the whole flash page
	}
}

func (f *FTL) completeRequest(req *Request, err error) {
	if req.done != nil {
		req.done(req, err)
	}
}
