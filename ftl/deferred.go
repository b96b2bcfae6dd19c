package ftl

import (
	"container/list"
	"time"

	"go.uber.org/atomic"

	"github.com/nvmftl/ftlcore/logger"
)

// deferredEntry is one parked request, direction-tagged the way
// original_source/drivers/md/lightnvm/core.c's nvm_defer_bio tags entries
// by bio->bi_opf before handing them to the single deferred list.
type deferredEntry struct {
	req  *Request
	isGC bool
}

// deferredQueue is the single global FIFO of requests that could not be
// mapped right away (§7, component C7) — grounded directly on
// core.c's nvm_defer_bio (enqueue under dev->lock, wake the worker) and
// nvm_deferred_bio_submit (worker drains the list, resubmitting each entry
// through the ordinary path).
type deferredQueue struct {
	mu     latch
	items  *list.List // *deferredEntry
	wake   chan struct{}
	closed atomic.Bool
	done   chan struct{}
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{
		items: list.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *deferredQueue) push(e *deferredEntry) {
	q.mu.Lock()
	q.items.PushBack(e)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deferredQueue) pop() *deferredEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	el := q.items.Front()
	if el == nil {
		return nil
	}
	q.items.Remove(el)
	return el.Value.(*deferredEntry)
}

func (q *deferredQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.items.Len()
}

// deferRequest parks req for later retry (§7: transient
// exhaustion and GC-copy-forward conflicts are deferred). If the
// BioWaitAdd hook declines, req completes with ErrDeferred instead.
func (f *FTL) deferRequest(req *Request, isGC bool) {
	if !f.strategy.BioWaitAdd(f, req) {
		if req.done != nil {
			req.done(req, ErrDeferred)
		}
		return
	}
	f.deferred.push(&deferredEntry{req: req, isGC: isGC})
}

// runDeferredWorker drains the deferred queue, retrying each entry through
// the normal submit path. It backs off briefly on an empty drain rather
// than busy-spinning, and exits once closed is set and the queue runs dry.
func (f *FTL) runDeferredWorker() {
	defer close(f.deferred.done)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		drained := f.drainDeferredOnce()
		if f.deferred.closed.Load() && f.deferred.len() == 0 {
			return
		}
		if drained == 0 {
			select {
			case <-f.deferred.wake:
			case <-ticker.C:
			}
		}
	}
}

// drainDeferredOnce retries every entry currently queued, once each, and
// returns how many were processed. Entries that fail again are re-queued
// at the tail rather than the front, so one stuck request cannot starve
// the rest of the deferred list.
func (f *FTL) drainDeferredOnce() int {
	n := f.deferred.len()
	processed := 0
	for i := 0; i < n; i++ {
		e := f.deferred.pop()
		if e == nil {
			break
		}
		processed++
		if e.req.IsWrite {
			f.write(e.req, e.isGC)
		} else {
			f.read(e.req)
		}
	}
	return processed
}

// closeDeferred signals the worker to stop once the queue is empty, waits
// for it to exit, and logs anything still parked (its open question
// on shutdown semantics — §E.3 decides to drain rather than
// silently drop).
func (f *FTL) closeDeferred() {
	f.deferred.closed.Store(true)
	select {
	case f.deferred.wake <- struct{}{}:
	default:
	}
	<-f.deferred.done
	if left := f.deferred.len(); left > 0 {
		logger.Warnf("ftl: shutting down with %d requests still deferred", left)
	}
}
