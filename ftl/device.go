package ftl

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

// CompletionFunc is the callback shape both the upstream block layer and
// the downstream device use (§6).
type CompletionFunc func(req *Request, err error)

// Request is one host-layer I/O request (§6 upstream contract).
// It is intentionally small: the FTL core does not own queueing,
// merging, or multi-queue dispatch — those belong to the upper block
// layer named out of scope in §1.
type Request struct {
	Sector  int64 // host-layer sector, rewritten in place as translation proceeds
	Data    []byte
	IsWrite bool

	// IsGC and GCPrivate carry the GC contract (§6): GC writes set
	// IsGC and may pass a private pointer the placement policy understands.
	IsGC      bool
	GCPrivate interface{}
	// TransMap selects the alternate copy-forward map GC writes use
	// instead of the live L2P map (§6).
	TransMap TransMap

	done    CompletionFunc
	private interface{}
}

// Done installs the completion hook invoked once the request has fully
// resolved (§6). Callers outside this package have no other way
// to observe completion: MapRequest always returns StatusSubmitted.
func (r *Request) Done(fn CompletionFunc) { r.done = fn }

// TransMap names which address map a request's allocator decision should
// use — the live map or the GC's copy-forward map (§4.3, §6).
type TransMap uint8

const (
	TransMapLive TransMap = iota
	TransMapGC
)

// DeviceRequest is a prepared, flash-page-granular request ready for the
// downstream device contract (§6): target sector plus the exact
// byte layout the device expects.
type DeviceRequest struct {
	PAddr   PhysicalAddress
	Pages   [][]byte // writes: len == geo.HostPagesPerFlashPage; reads: the one host page read
	IsWrite bool
	done    func(err error)
}

// Submitter is the downstream device contract (§6): consume a
// prepared device request; completion invokes the installed callback with
// an error code.
type Submitter interface {
	Submit(req *DeviceRequest)
}

// EmulatedDevice is an in-memory Submitter used by tests and cmd/ftldemo.
// Submit itself does no pacing: the bounded wait loop (pacingWait) runs
// in the default Endio hook at completion time, and is skipped when
// DevWaitUs is zero or NoWaits is set.
type EmulatedDevice struct {
	mu      sync.Mutex
	storage map[PhysicalAddress][]byte
	// FailAddr, if set, makes every submit whose PAddr equals that address
	// complete with an error instead of normally — used to exercise
	// the "device error propagated verbatim" path (§7).
	FailAddr *PhysicalAddress
	// Async, when true, completes on a separate goroutine instead of
	// inline — exercises the pool-serialization worker's completion
	// hand-off (§4.6) under real concurrency.
	Async bool
}

func NewEmulatedDevice() *EmulatedDevice {
	return &EmulatedDevice{storage: make(map[PhysicalAddress][]byte)}
}

func (d *EmulatedDevice) Submit(req *DeviceRequest) {
	complete := func() {
		var err error
		if d.FailAddr != nil && *d.FailAddr == req.PAddr {
			// Device errors are propagated verbatim, not swallowed or
			// retried here — juju/errors.Trace keeps the call stack a
			// real device driver would attach (§7).
			err = errors.Trace(ErrDeviceFailure)
		} else if req.IsWrite {
			d.mu.Lock()
			for i, page := range req.Pages {
				d.storage[req.PAddr+PhysicalAddress(i)] = page
			}
			d.mu.Unlock()
		} else {
			d.mu.Lock()
			for i := range req.Pages {
				stored := d.storage[req.PAddr+PhysicalAddress(i)]
				n := copy(req.Pages[i], stored)
				req.Pages[i] = req.Pages[i][:n]
			}
			d.mu.Unlock()
		}
		if req.done != nil {
			req.done(err)
		}
	}
	if d.Async {
		go complete()
		return
	}
	complete()
}

// ErrDeviceFailure is a stand-in for a real device-reported I/O error,
// propagated verbatim through the completion chain (§7).
var ErrDeviceFailure = devErr{}

type devErr struct{}

func (devErr) Error() string { return "ftl: simulated device I/O failure" }

// pacingWait busy-waits until at least devWaitUs have elapsed since start,
// in short bounded increments, matching §5's "short bounded
// busy-wait (≤ ~1.5ms total)". It is a no-op once the elapsed time already
// exceeds the budget.
func pacingWait(start time.Time, devWaitUs int) {
	if devWaitUs <= 0 {
		return
	}
	budget := time.Duration(devWaitUs) * time.Microsecond
	for time.Since(start) < budget {
		time.Sleep(10 * time.Microsecond)
	}
}
