package ftl

import (
	"container/list"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/nvmftl/ftlcore/logger"
)

// ErrNoFreeBlocks and ErrReserveExhausted are the two ways Pool.GetBlock
// can fail (§4.2) — both transient exhaustion, §7.
var (
	ErrNoFreeBlocks     = errors.New("ftl: pool has no free blocks")
	ErrReserveExhausted = errors.New("ftl: free-block reserve held back for GC")
)

// Pool owns a set of blocks and partitions them across free/used/priority
// lists (§3, §4.2 — component C2), plus the optional per-pool
// device-submission serialization queue (component C7, §4.6).
//
// The three lists are plain mutex-guarded container/list.List values,
// moved between with Add/Remove/Size/IsEmpty-style helpers rather than
// an intrusive linked structure.
type Pool struct {
	id  uint32
	geo *Geometry

	mu           latch
	blocks       []*Block
	freeList     *list.List // *Block, wear-leveling round robin (tail-in/head-out)
	usedList     *list.List // *Block, oldest at head
	prioList     *list.List // *Block, GC candidates once fully committed
	nrFreeBlocks atomic.Uint32

	bufPool *writeBufferPool

	// Serialization (NVM_OPT_POOL_SERIALIZE, §4.6).
	serialize  bool
	submitter  Submitter
	waitingMu  latch
	waitingQ   *list.List // *pendingSubmit
	isActive   atomic.Bool
	curBio     *pendingSubmit
}

type pendingSubmit struct {
	pb  *Pb
	req *DeviceRequest
}

func newPool(geo *Geometry, id uint32, serialize bool) *Pool {
	p := &Pool{
		id:       id,
		geo:      geo,
		freeList: list.New(),
		usedList: list.New(),
		prioList: list.New(),
		bufPool:  newWriteBufferPool(geo, int(geo.BlocksPerPool)),
		serialize: serialize,
		waitingQ: list.New(),
	}
	p.blocks = make([]*Block, geo.BlocksPerPool)
	for i := uint32(0); i < geo.BlocksPerPool; i++ {
		b := newBlock(geo, id, i)
		p.blocks[i] = b
		p.freeList.PushBack(b)
	}
	p.nrFreeBlocks.Store(geo.BlocksPerPool)
	return p
}

// ID returns the pool's identifier (§3).
func (p *Pool) ID() uint32 { return p.id }

// NrFreeBlocks returns the free-block count (§3 invariant:
// nr_free_blocks == |free_list|).
func (p *Pool) NrFreeBlocks() uint32 { return p.nrFreeBlocks.Load() }

// GetBlock moves the head of the free list to the tail of the used list
// (§4.2). Non-GC callers are refused once the free list would drop
// below one spare block per append point, reserving room for GC to make
// progress (P7); GC calls bypass that reserve entirely.
func (p *Pool) GetBlock(isGC bool) (*Block, error) {
	p.mu.Lock()
	if p.freeList.Len() == 0 {
		p.mu.Unlock()
		logger.Warnf("ftl: pool %d has no free blocks", p.id)
		return nil, ErrNoFreeBlocks
	}
	// Refuse once taking a block would leave fewer than nr_aps free blocks
	// behind — nr_aps of them are a standing GC reserve, not just a soft
	// floor (§4.2, §8 scenario 4: two blocks, one AP, the first
	// block is grabbed freely but the second is refused to a user writer
	// because exactly nr_aps(1) block remains). nr_aps here is this pool's
	// own append-point count, not the device-wide total — the reserve is a
	// per-pool margin (§4.2's get_block takes one pool's lock).
	if !isGC && int(p.nrFreeBlocks.Load()) <= p.geo.NrAPsPerPool {
		p.mu.Unlock()
		return nil, ErrReserveExhausted
	}

	el := p.freeList.Front()
	block := el.Value.(*Block)
	p.freeList.Remove(el)
	p.usedList.PushBack(block)
	p.nrFreeBlocks.Dec()

	buf := p.bufPool.get()
	block.reset(buf)
	p.mu.Unlock()
	return block, nil
}

// PutBlock returns a fully-reclaimed block to the tail of the free list —
// naive round-robin wear leveling (§4.2, §1 non-goals).
func (p *Pool) PutBlock(b *Block) {
	if buf := b.releaseBuffer(); buf != nil {
		p.bufPool.put(buf)
	}
	p.mu.Lock()
	removeFromList(p.usedList, b)
	removeFromList(p.prioList, b)
	p.freeList.PushBack(b)
	p.nrFreeBlocks.Inc()
	p.mu.Unlock()
}

// MarkFull moves a block from the used list to the priority list once its
// write buffer has fully committed (§4.5 step 2) — it is now a GC
// candidate.
func (p *Pool) MarkFull(b *Block) {
	p.mu.Lock()
	removeFromList(p.usedList, b)
	p.prioList.PushBack(b)
	p.mu.Unlock()
}

// PrioList snapshots the current GC-candidate list (§6 GC
// contract: "it reads pool.prio_list").
func (p *Pool) PrioList() []*Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Block, 0, p.prioList.Len())
	for el := p.prioList.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Block))
	}
	return out
}

func removeFromList(l *list.List, b *Block) {
	for el := l.Front(); el != nil; el = el.Next() {
		if el.Value.(*Block) == b {
			l.Remove(el)
			return
		}
	}
}

// --- Per-pool device-submission serialization (§4.6) ---

// SetSubmitter wires the downstream device contract used when this pool's
// submissions are serialized.
func (p *Pool) SetSubmitter(s Submitter) { p.submitter = s }

// Submit either hands req straight to the device (serialization off) or
// enqueues it behind the pool's waiting_bios and kicks the single-flight
// worker (serialization on).
func (p *Pool) Submit(pb *Pb, req *DeviceRequest) {
	if !p.serialize {
		p.submitter.Submit(req)
		return
	}

	item := &pendingSubmit{pb: pb, req: req}
	p.waitingMu.Lock()
	p.waitingQ.PushBack(item)
	p.waitingMu.Unlock()

	// Only the submitter that flips is_active from false to true becomes
	// responsible for driving the queue; everyone else's item will be
	// reached once the current driver's completion reschedules the kick.
	if p.isActive.CAS(false, true) {
		p.kick()
	}
}

// kick pops one entry and submits it, or resets is_active if the queue is
// empty. It is called both by the first Submit on an idle pool and by
// OnSerializedComplete after every device completion (§4.6).
func (p *Pool) kick() {
	p.waitingMu.Lock()
	el := p.waitingQ.Front()
	if el == nil {
		p.curBio = nil
		p.isActive.Store(false)
		p.waitingMu.Unlock()
		return
	}
	item := p.waitingQ.Remove(el).(*pendingSubmit)
	p.curBio = item
	p.waitingMu.Unlock()

	item.pb.start = time.Now()
	p.submitter.Submit(item.req)
}

// OnSerializedComplete is called from the completion path (pipeline.go
// endio) once a serialized submission's device callback has fired. It
// clears cur_bio before rescheduling — doing the clear here, not only in
// the worker, closes the race §4.6 calls out: a fresh submitter
// must never observe a cur_bio that belongs to an already-completed
// request.
func (p *Pool) OnSerializedComplete() {
	p.waitingMu.Lock()
	p.curBio = nil
	p.waitingMu.Unlock()
	p.kick()
}

// CurBio reports the in-flight serialized request, if any (used by tests
// checking P6).
func (p *Pool) CurBio() *Pb {
	p.waitingMu.RLock()
	defer p.waitingMu.RUnlock()
	if p.curBio == nil {
		return nil
	}
	return p.curBio.pb
}

// writeBufferPool is a bounded free-list of block write buffers
// ([][]byte sized HostPagesInBlk), so GetBlock never allocates on the hot
// path (§9).
type writeBufferPool struct {
	mu   latch
	geo  *Geometry
	free [][][]byte
}

func newWriteBufferPool(geo *Geometry, capacity int) *writeBufferPool {
	wp := &writeBufferPool{geo: geo}
	for i := 0; i < capacity; i++ {
		wp.free = append(wp.free, make([][]byte, geo.HostPagesInBlk()))
	}
	return wp
}

func (wp *writeBufferPool) get() [][]byte {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	n := len(wp.free)
	if n == 0 {
		return make([][]byte, wp.geo.HostPagesInBlk())
	}
	buf := wp.free[n-1]
	wp.free = wp.free[:n-1]
	return buf
}

func (wp *writeBufferPool) put(buf [][]byte) {
	for i := range buf {
		buf[i] = nil
	}
	wp.mu.Lock()
	wp.free = append(wp.free, buf)
	wp.mu.Unlock()
}
