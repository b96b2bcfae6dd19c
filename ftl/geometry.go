package ftl

// Geometry is the fixed, device-init-time shape of the flash address space
// (§2 assumes pool/block/AP counts are fixed once the device is
// probed; probing itself is out of scope per §1).
type Geometry struct {
	NrPools               int
	BlocksPerPool         uint32
	NrAPsPerPool          int
	FlashPagesPerBlock    uint32
	HostPagesPerFlashPage uint32
	// PhysSectorsPerLogPage is NR_PHY_IN_LOG from §3/§6: how many
	// physical sectors make up one logical (host) page.
	PhysSectorsPerLogPage int64
}

// HostPagesInBlk is nr_host_pages_in_blk from §3.
func (g *Geometry) HostPagesInBlk() uint32 {
	return g.FlashPagesPerBlock * g.HostPagesPerFlashPage
}

// NrAPs is the total number of append points across all pools, used to
// size the FTL's Pb and Address pools. The free-block reserve in
// Pool.GetBlock counts NrAPsPerPool instead.
func (g *Geometry) NrAPs() int { return g.NrPools * g.NrAPsPerPool }

// Flags are the two boolean knobs §6 says the core recognizes.
type Flags struct {
	// PoolSerialize enables NVM_OPT_POOL_SERIALIZE: at most one device
	// submission in flight per pool at a time (§4.6).
	PoolSerialize bool
	// NoWaits disables the completion-time pacing loop (§4.5
	// step 3, NVM_OPT_NO_WAITS).
	NoWaits bool
	// DevWaitUs bounds the busy-wait pacing loop; §5 caps the
	// total wait at roughly 1.5ms.
	DevWaitUs int
}
