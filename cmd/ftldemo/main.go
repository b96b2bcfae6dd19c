// Command ftldemo wires an in-memory device to an FTL core and walks
// through a first write, an overwrite, and a read of a sector that was
// never written, narrated with plain fmt.Println rather than a test harness.
package main

import (
	"fmt"
	"time"

	"github.com/nvmftl/ftlcore/config"
	"github.com/nvmftl/ftlcore/ftl"
	"github.com/nvmftl/ftlcore/logger"
)

func main() {
	geo, flags := config.Default()
	device := ftl.NewEmulatedDevice()
	core := ftl.New(geo, flags, device)
	defer core.Close()

	fmt.Println("ftldemo: geometry", fmt.Sprintf("%+v", *geo))

	write(core, 0, "hello flash")
	read(core, 0)

	write(core, 0, "overwritten")
	read(core, 0)

	read(core, 7) // never written: zero-filled
}

func write(core *ftl.FTL, sector int64, payload string) {
	done := make(chan error, 1)
	req := &ftl.Request{
		Sector:  sector,
		Data:    []byte(payload),
		IsWrite: true,
	}
	req.Done(func(r *ftl.Request, err error) { done <- err })
	core.MapRequest(req)

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("ftldemo: write sector %d failed: %v", sector, err)
			return
		}
		fmt.Printf("ftldemo: wrote sector %d = %q\n", sector, payload)
	case <-time.After(time.Second):
		logger.Warnf("ftldemo: write sector %d deferred past demo window", sector)
	}
}

func read(core *ftl.FTL, sector int64) {
	buf := make([]byte, 16)
	done := make(chan error, 1)
	req := &ftl.Request{
		Sector: sector,
		Data:   buf,
	}
	req.Done(func(r *ftl.Request, err error) { done <- err })
	core.MapRequest(req)

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("ftldemo: read sector %d failed: %v", sector, err)
			return
		}
		fmt.Printf("ftldemo: read sector %d = %q\n", sector, buf)
	case <-time.After(time.Second):
		logger.Warnf("ftldemo: read sector %d deferred past demo window", sector)
	}
}
