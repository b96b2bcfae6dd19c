package ftl

import (
	"time"

	"go.uber.org/atomic"

	"github.com/nvmftl/ftlcore/logger"
)

// AppendPoint is the current write target for a pool (§3, §4.3 —
// component C3). A pool has Geometry.NrAPsPerPool of them; each one carries
// both a user write target (cur) and a GC write target (gcCur), and the
// allocator advances whichever of the two the caller's path uses.
type AppendPoint struct {
	id     int
	pool   *Pool
	lock   latch // ap.lock, §5
	cur    *Block
	gcCur  *Block
	access ioAccess

	// tRead/tWrite accumulate simulated device wait time per direction
	// (§3 data model, §4.5 step 3's endio hook), the timing
	// counterpart to access's per-direction request counts.
	tRead  atomic.Duration
	tWrite atomic.Duration
}

func newAppendPoint(id int, pool *Pool) *AppendPoint {
	return &AppendPoint{id: id, pool: pool}
}

// Pool returns the pool this AP belongs to.
func (ap *AppendPoint) Pool() *Pool { return ap.pool }

// Current returns the AP's live write-target block (nil before the first
// allocation binds one).
func (ap *AppendPoint) Current() *Block {
	ap.lock.RLock()
	defer ap.lock.RUnlock()
	return ap.cur
}

// setCurrent installs block as the new write target, asserting the
// outgoing block (if any) is full before detaching its AP ownership
// (§4.3). Callers must hold ap.lock.
func (ap *AppendPoint) setCurrent(block *Block) {
	if ap.cur != nil && !ap.cur.IsFull() {
		logger.Errorf("ftl: ap %d swapped away from a non-full block (pool=%d)", ap.id, ap.pool.id)
	}
	if ap.cur != nil {
		ap.cur.owningAP = nil
	}
	ap.cur = block
	block.owningAP = ap
}

// setCurrentGC is setCurrent's GC-path counterpart (§4.3, the GC
// append point never shares cur with the user append point).
func (ap *AppendPoint) setCurrentGC(block *Block) {
	if ap.gcCur != nil && !ap.gcCur.IsFull() {
		logger.Errorf("ftl: ap %d swapped away from a non-full gc block (pool=%d)", ap.id, ap.pool.id)
	}
	if ap.gcCur != nil {
		ap.gcCur.owningAP = nil
	}
	ap.gcCur = block
	block.owningAP = ap
}

// accessAccounting bumps the AP's read/write counters (§3). Per
// §E.1 this is called before the allocator runs, so deferred
// writes are still counted as an access attempt.
func (ap *AppendPoint) accessAccounting(isWrite bool) {
	if isWrite {
		ap.access.Write.Inc()
	} else {
		ap.access.Read.Inc()
	}
}

// recordWait adds d to the AP's per-direction simulated device wait total,
// the default endio hook's counterpart to accessAccounting.
func (ap *AppendPoint) recordWait(isWrite bool, d time.Duration) {
	if isWrite {
		ap.tWrite.Add(d)
	} else {
		ap.tRead.Add(d)
	}
}

// TRead and TWrite report the AP's accumulated per-direction simulated
// device wait (§3 data model's t_read/t_write).
func (ap *AppendPoint) TRead() time.Duration  { return ap.tRead.Load() }
func (ap *AppendPoint) TWrite() time.Duration { return ap.tWrite.Load() }
