//go:build linux

package main

import (
	"errors"

	"sdhci.dev/driver/physmem"
	"sdhci.dev/driver/sdhci"
	"sdhci.dev/driver/uio"
)

func openHardware(opts options) (*backend, error) {
	if opts.regs == 0 || opts.uio == "" {
		return nil, errors.New("specify -regs and -uio, or -sim")
	}
	w, err := physmem.Map(opts.regs, opts.size)
	if err != nil {
		return nil, err
	}
	irq, err := uio.Open(opts.uio)
	if err != nil {
		w.Close()
		return nil, err
	}
	dma := physmem.NewDMA()
	return &backend{
		cfg: sdhci.Config{
			Registers: w,
			DMA:       dma,
			Interrupt: irq,
			Platform:  fixedClock(opts.clock),
			PageSize:  dma.PageSize(),
		},
		close: func() error {
			return errors.Join(irq.Close(), w.Close())
		},
	}, nil
}
