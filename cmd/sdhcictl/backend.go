package main

import (
	"log"

	"periph.io/x/conn/v3/physic"
	"sdhci.dev/driver/sdhci"
)

type backend struct {
	cfg sdhci.Config
	// sim is set for the simulated controller.
	sim   *sdhci.Simulator
	close func() error
}

func openBackend(opts options) (*backend, error) {
	if opts.sim {
		sim := sdhci.NewSimulator(sdhci.DefaultSimConfig())
		return &backend{
			cfg:   sim.Config(),
			sim:   sim,
			close: func() error { return nil },
		}, nil
	}
	return openHardware(opts)
}

// fixedClock is a platform that knows the controller base clock but
// can't reset cards.
type fixedClock physic.Frequency

func (f fixedClock) BaseClock() physic.Frequency {
	return physic.Frequency(f)
}

func (f fixedClock) HwReset() {
	log.Printf("no hardware reset on this platform")
}
