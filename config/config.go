// Package config loads ftl.Geometry and ftl.Flags from an ini file: a
// thin typed wrapper around gopkg.in/ini.v1, reading named sections into
// named fields with defaults. Failures are returned to the caller
// instead of calling os.Exit — this package is a library, not a server
// entry point.
package config

import (
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/nvmftl/ftlcore/ftl"
)

// Load reads path and returns the Geometry and Flags it describes. The
// expected schema is two sections:
//
//	[geometry]
//	nr_pools = 4
//	blocks_per_pool = 256
//	nr_aps_per_pool = 1
//	flash_pages_per_block = 256
//	host_pages_per_flash_page = 4
//	phys_sectors_per_log_page = 8
//
//	[flags]
//	pool_serialize = false
//	no_waits = false
//	dev_wait_us = 100
func Load(path string) (*ftl.Geometry, *ftl.Flags, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "config: loading %s", path)
	}
	return FromFile(raw)
}

// FromFile builds Geometry and Flags from an already-parsed ini.File, so
// callers that already hold one (tests, embedders) don't need a path.
func FromFile(raw *ini.File) (*ftl.Geometry, *ftl.Flags, error) {
	geoSec := raw.Section("geometry")
	geo := &ftl.Geometry{
		NrPools:               geoSec.Key("nr_pools").MustInt(1),
		BlocksPerPool:         uint32(geoSec.Key("blocks_per_pool").MustInt(16)),
		NrAPsPerPool:          geoSec.Key("nr_aps_per_pool").MustInt(1),
		FlashPagesPerBlock:    uint32(geoSec.Key("flash_pages_per_block").MustInt(16)),
		HostPagesPerFlashPage: uint32(geoSec.Key("host_pages_per_flash_page").MustInt(1)),
		PhysSectorsPerLogPage: geoSec.Key("phys_sectors_per_log_page").MustInt64(1),
	}
	if err := validateGeometry(geo); err != nil {
		return nil, nil, err
	}

	flagsSec := raw.Section("flags")
	flags := &ftl.Flags{
		PoolSerialize: flagsSec.Key("pool_serialize").MustBool(false),
		NoWaits:       flagsSec.Key("no_waits").MustBool(false),
		DevWaitUs:     flagsSec.Key("dev_wait_us").MustInt(0),
	}
	return geo, flags, nil
}

func validateGeometry(geo *ftl.Geometry) error {
	if geo.NrPools <= 0 {
		return errors.New("config: nr_pools must be positive")
	}
	if geo.NrAPsPerPool <= 0 {
		return errors.New("config: nr_aps_per_pool must be positive")
	}
	if geo.BlocksPerPool == 0 {
		return errors.New("config: blocks_per_pool must be positive")
	}
	if geo.FlashPagesPerBlock == 0 || geo.HostPagesPerFlashPage == 0 {
		return errors.New("config: flash_pages_per_block and host_pages_per_flash_page must be positive")
	}
	if geo.PhysSectorsPerLogPage <= 0 {
		return errors.New("config: phys_sectors_per_log_page must be positive")
	}
	if int(geo.BlocksPerPool) <= geo.NrAPsPerPool {
		return errors.New("config: blocks_per_pool must exceed nr_aps_per_pool to leave room for the GC reserve")
	}
	return nil
}

// Default returns a small geometry suitable for tests and the demo
// binary: one pool, one append point, enough blocks to exercise
// allocation wraparound without a real device behind it.
func Default() (*ftl.Geometry, *ftl.Flags) {
	return &ftl.Geometry{
			NrPools:               1,
			BlocksPerPool:         4,
			NrAPsPerPool:          1,
			FlashPagesPerBlock:    4,
			HostPagesPerFlashPage: 1,
			PhysSectorsPerLogPage: 1,
		}, &ftl.Flags{
			PoolSerialize: false,
			NoWaits:       true,
			DevWaitUs:     0,
		}
}
