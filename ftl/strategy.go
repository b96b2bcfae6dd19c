package ftl

import "time"

// Strategy bundles every pluggable placement and backpressure hook, as a
// struct of function fields rather than an interface — constructors
// elsewhere in this codebase take optional callbacks the same way, so a
// caller overrides only the hooks it cares about and leaves the rest at
// their defaults.
type Strategy struct {
	// MapLtoP picks an append point, allocates a physical page from it, and
	// records the mapping (§4.3). Defaults to mapLtoPRoundRobin.
	MapLtoP func(f *FTL, laddr LogicalAddress, isGC bool, which TransMap, private interface{}) (*Address, error)

	// AllocPhysAddr is invoked on every successful block.AllocPhys, letting
	// a higher-level policy react to placement decisions (§4.1).
	// The default is a no-op.
	AllocPhysAddr func(f *FTL, block *Block)

	// BioWaitAdd decides whether a request that could not be mapped right
	// now should be deferred (§7). The default always defers.
	BioWaitAdd func(f *FTL, req *Request) bool

	// Endio computes a simulated device wait at completion time and records
	// it against ap's per-direction timing (§4.5 step 3, §4.7).
	// ap is nil when the block the request used has no owning append point
	// (setCurrent clears it on the outgoing block); a zero-fill read of an
	// unmapped page never calls this hook. The default waits flags.DevWaitUs and feeds the elapsed
	// time into ap.recordWait.
	Endio func(f *FTL, ap *AppendPoint, isWrite bool, start time.Time)
}

func defaultStrategy() Strategy {
	return Strategy{
		MapLtoP:       (*FTL).mapLtoPRoundRobin,
		AllocPhysAddr: func(*FTL, *Block) {},
		BioWaitAdd:    func(*FTL, *Request) bool { return true },
		Endio:         defaultEndio,
	}
}

// defaultEndio is today's completion pacing loop, generalized to also
// account the wait it simulated against the append point that served the
// request (§3 data model's t_read/t_write).
func defaultEndio(f *FTL, ap *AppendPoint, isWrite bool, start time.Time) {
	if f.flags.NoWaits {
		return
	}
	pacingWait(start, f.flags.DevWaitUs)
	if ap != nil {
		ap.recordWait(isWrite, time.Since(start))
	}
}
