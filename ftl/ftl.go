package ftl

// Status is the upstream contract's return value (§6): every request is
// reported as submitted and its outcome arrives on the request's own
// completion hook, so there is exactly one value.
type Status int

const (
	StatusSubmitted Status = iota
)

// FTL is the composition root: the set of pools and their append points,
// the address map, the object pools, the pluggable strategy, and the
// deferred-request worker. Built the way a manager constructor builds a
// struct once and starts its background worker alongside it.
type FTL struct {
	geo   *Geometry
	flags *Flags

	pools     []*Pool
	aps       []*AppendPoint
	apsByPool map[uint32][]*AppendPoint

	addrMap *AddrMap
	pbPool  *pbPool

	strategy Strategy
	deferred *deferredQueue
	rr       roundRobin

	submitter Submitter
}

// New builds an FTL over the given geometry, submitting every device
// request through submitter, and starts the deferred-request worker.
func New(geo *Geometry, flags *Flags, submitter Submitter) *FTL {
	f := &FTL{
		geo:       geo,
		flags:     flags,
		apsByPool: make(map[uint32][]*AppendPoint),
		pbPool:    newPbPool(geo.NrAPs() * 8),
		strategy:  defaultStrategy(),
		deferred:  newDeferredQueue(),
		submitter: submitter,
	}

	for i := 0; i < geo.NrPools; i++ {
		pool := newPool(geo, uint32(i), flags.PoolSerialize)
		pool.SetSubmitter(submitter)
		f.pools = append(f.pools, pool)

		aps := make([]*AppendPoint, geo.NrAPsPerPool)
		for j := 0; j < geo.NrAPsPerPool; j++ {
			ap := newAppendPoint(j, pool)
			aps[j] = ap
			f.aps = append(f.aps, ap)
		}
		f.apsByPool[pool.id] = aps
	}

	f.addrMap = newAddrMap(0, geo.NrAPs()*8)

	go f.runDeferredWorker()
	return f
}

// MapRequest is the upstream entry point (§6): translate and
// dispatch req and report it submitted. Completion arrives on req's own
// completion hook; for an unmapped read, or with a Submitter that completes
// synchronously, that happens before MapRequest returns.
func (f *FTL) MapRequest(req *Request) Status {
	if req.IsWrite {
		f.write(req, req.IsGC)
	} else {
		f.read(req)
	}
	return StatusSubmitted
}

// SetStrategy overrides one or more policy hooks (§4.7); fields
// left nil are not replaced.
func (f *FTL) SetStrategy(overrides Strategy) {
	if overrides.MapLtoP != nil {
		f.strategy.MapLtoP = overrides.MapLtoP
	}
	if overrides.AllocPhysAddr != nil {
		f.strategy.AllocPhysAddr = overrides.AllocPhysAddr
	}
	if overrides.BioWaitAdd != nil {
		f.strategy.BioWaitAdd = overrides.BioWaitAdd
	}
	if overrides.Endio != nil {
		f.strategy.Endio = overrides.Endio
	}
}

// Pools exposes the pool set for GC collaborators reading prio_list
// (§6 GC contract) and for tests.
func (f *FTL) Pools() []*Pool { return f.pools }

// AddrMap exposes the address map for GC collaborators and P1 tests.
func (f *FTL) AddrMap() *AddrMap { return f.addrMap }

// Geometry returns the geometry the FTL was built with.
func (f *FTL) Geometry() *Geometry { return f.geo }

// Close drains the deferred-request queue and stops its worker: it returns
// only after every still-deferred request has been resubmitted
// successfully, and nothing is dropped.
func (f *FTL) Close() {
	f.closeDeferred()
}
