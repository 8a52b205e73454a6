// Package sdhci drives SD Host Controller Interface (version 3.00)
// compatible host controllers: it issues commands with optional data
// phases through PIO or ADMA2 and completes them from interrupts.
package sdhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// Platform provides optional vendor hooks.
type Platform interface {
	// BaseClock returns the base clock for controllers that don't
	// report it in their capabilities, or 0.
	BaseClock() physic.Frequency
	HwReset()
}

// Config describes a controller and its environment.
type Config struct {
	Registers Registers
	DMA       DMA
	Interrupt Interrupt
	// Platform is optional.
	Platform Platform
	Quirks   Quirks
	// DMABoundaryAlignment is the alignment descriptors may not cross
	// when QuirkUseDMABoundaryAlignment is set.
	DMABoundaryAlignment uint64
	// PageSize is the DMA page size. Zero means 4096.
	PageSize int
	// Logger receives driver logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Caps is the set of host capabilities.
type Caps uint32

const (
	CapBusWidth8 Caps = 1 << iota
	CapDMA
	CapVoltage330
	CapAutoCmd12
	CapSDR104
	CapSDR50
	CapDDR50
	CapNoTuningSDR50
)

func (c Caps) Has(x Caps) bool {
	return c&x == x
}

// Prefs are bus modes the host prefers not to use.
type Prefs uint32

const (
	PrefDisableHS400 Prefs = 1 << iota
	PrefDisableHS200
	PrefDisableHSDDR
)

func (p Prefs) Has(x Prefs) bool {
	return p&x == x
}

// TransferUnbounded is the maximum transfer size of hosts without a
// limit.
const TransferUnbounded = 0xffff_ffff

// Info describes the host. It is fixed when the controller is
// created.
type Info struct {
	Caps                  Caps             `cbor:"1,keyasint"`
	Prefs                 Prefs            `cbor:"2,keyasint"`
	MaxTransferSize       uint64           `cbor:"3,keyasint"`
	MaxTransferSizeNonDMA uint64           `cbor:"4,keyasint"`
	BaseClock             physic.Frequency `cbor:"5,keyasint"`
	Version               uint8            `cbor:"6,keyasint"`
	// Addr64 reports 64-bit descriptor addressing.
	Addr64 bool `cbor:"7,keyasint"`
}

// The initial card clock frequency.
const setupFrequency = 400 * physic.KiloHertz

const levelTrace = slog.LevelDebug - 4

// Controller is an initialized host controller.
type Controller struct {
	// Fields before mu are fixed by New.
	regs   Registers
	dma    DMA
	irq    Interrupt
	plat   Platform
	log    *slog.Logger
	quirks Quirks
	// boundaryAlignment is only valid with QuirkUseDMABoundaryAlignment.
	boundaryAlignment uint64
	pageSize          int
	info              Info
	addr64            bool
	descs             Memory

	irqDone chan struct{}

	mu         sync.Mutex
	slots      slots
	inBand     func()
	cardMasked bool
}

// New resets and initializes the controller in cfg and starts
// serving its interrupts.
func New(cfg Config) (*Controller, error) {
	if cfg.Registers == nil || cfg.DMA == nil || cfg.Interrupt == nil {
		return nil, fmt.Errorf("sdhci: incomplete configuration: %w", ErrInvalidArgs)
	}
	c := &Controller{
		regs:     cfg.Registers,
		dma:      cfg.DMA,
		irq:      cfg.Interrupt,
		plat:     cfg.Platform,
		log:      cfg.Logger,
		quirks:   cfg.Quirks,
		pageSize: cfg.PageSize,
		irqDone:  make(chan struct{}),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.pageSize == 0 {
		c.pageSize = 4096
	}
	if c.pageSize < 0 || c.pageSize&(c.pageSize-1) != 0 {
		return nil, fmt.Errorf("sdhci: page size %d: %w", c.pageSize, ErrInvalidArgs)
	}
	if c.quirks.has(QuirkUseDMABoundaryAlignment) {
		if cfg.DMABoundaryAlignment == 0 {
			return nil, fmt.Errorf("sdhci: zero dma boundary alignment: %w", ErrOutOfRange)
		}
		c.boundaryAlignment = cfg.DMABoundaryAlignment
	}
	if err := c.init(); err != nil {
		if c.descs != nil {
			c.descs.Close()
		}
		return nil, err
	}
	go c.irqLoop()
	return c, nil
}

func (c *Controller) init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	(readSoftwareReset(c.regs) | 0b1<<rst_all).commit(c.regs)
	readClockControl(c.regs).withInternalClock(false).withSDClock(false).commit(c.regs)
	if err := c.waitResetLocked(0b1<<rst_all | 0b1<<rst_cmd | 0b1<<rst_dat); err != nil {
		return err
	}
	// The reset stopped any DMA started by a previous owner.
	if err := c.dma.ReleaseQuarantine(); err != nil {
		return fmt.Errorf("sdhci: release quarantine: %w", err)
	}

	version := uint8(c.regs.Read16(regHostVersion) & versionSpecMask)
	if version < specVersion300 {
		return fmt.Errorf("sdhci: controller version %d: %w", version, ErrNotSupported)
	}
	caps0 := capabilities0(c.regs.Read32(regCapabilities0))
	caps1 := capabilities1(c.regs.Read32(regCapabilities1))
	base := physic.Frequency(caps0.baseClockMHz()) * physic.MegaHertz
	if base == 0 && c.plat != nil {
		base = c.plat.BaseClock()
	}
	if base <= 0 {
		return fmt.Errorf("sdhci: no base clock: %w", ErrInternal)
	}
	c.info = hostInfo(caps0, caps1, c.quirks)
	c.info.BaseClock = base
	c.info.Version = version
	c.info.MaxTransferSizeNonDMA = TransferUnbounded
	c.info.MaxTransferSize = TransferUnbounded

	if c.info.Caps.Has(CapDMA) {
		c.addr64 = bit(caps0, caps0_64bit_v3)
		c.info.Addr64 = c.addr64
		size, sel := maxDescriptors*descriptorSize32, uint8(dmaSelect32BitADMA2)
		if c.addr64 {
			size, sel = maxDescriptors*descriptorSize64, dmaSelect64BitADMA2
		}
		mem, err := c.dma.AllocContiguous(size)
		if err != nil {
			return fmt.Errorf("sdhci: descriptor memory: %w", err)
		}
		c.descs = mem
		if !c.addr64 && mem.PhysAddr()+uint64(size)-1 > 0xffff_ffff {
			return fmt.Errorf("sdhci: descriptor memory at %#x with 32-bit dma: %w", mem.PhysAddr(), ErrNotSupported)
		}
		c.info.MaxTransferSize = uint64(maxDescriptors * c.pageSize)
		readHostControl1(c.regs).withDMASelect(sel).commit(c.regs)
	}

	if err := c.setupClockLocked(setupFrequency); err != nil {
		return err
	}
	c.regs.Write8(regTimeoutControl, c.regs.Read8(regTimeoutControl)&^0xf|dataTimeoutMax)
	pwr := readPowerControl(c.regs).withBusPower(true).withBusVoltage(busVoltage1V8)
	if c.info.Caps.Has(CapVoltage330) {
		pwr = pwr.withBusVoltage(busVoltage3V3)
	}
	pwr.commit(c.regs)
	readClockControl(c.regs).withSDClock(true).commit(c.regs)
	c.disableInterruptsLocked()
	c.debug("initialized",
		slog.Int("version", int(version)),
		slog.String("base", base.String()),
		slog.Uint64("caps", uint64(c.info.Caps)),
		slog.Bool("addr64", c.addr64))
	return nil
}

// hostInfo derives the host capabilities and preferences.
func hostInfo(caps0 capabilities0, caps1 capabilities1, q Quirks) Info {
	var info Info
	if bit(caps0, caps0_8bit) {
		info.Caps |= CapBusWidth8
	}
	if bit(caps0, caps0_adma2) && !q.has(QuirkNoDMA) {
		info.Caps |= CapDMA
	}
	if bit(caps0, caps0_3v3) {
		info.Caps |= CapVoltage330
	}
	if bit(caps1, caps1_sdr50) {
		info.Caps |= CapSDR50
	}
	if bit(caps1, caps1_ddr50) && !q.has(QuirkNoDDR) {
		info.Caps |= CapDDR50
	}
	if bit(caps1, caps1_sdr104) {
		info.Caps |= CapSDR104
	}
	if !bit(caps1, caps1_tuning_sdr50) {
		info.Caps |= CapNoTuningSDR50
	}
	info.Caps |= CapAutoCmd12
	if q.has(QuirkNonStandardTuning) {
		info.Prefs |= PrefDisableHS200 | PrefDisableHS400
	}
	if q.has(QuirkNoDDR) {
		info.Prefs |= PrefDisableHSDDR | PrefDisableHS400
	}
	return info
}

// Info returns the host capabilities. They are fixed by New, so Info
// needs no lock.
func (c *Controller) Info() Info {
	return c.info
}

// HwReset resets the card through the platform, if it can.
func (c *Controller) HwReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plat != nil {
		c.plat.HwReset()
	}
}

// RegisterInBandInterrupt registers cb to be called from the interrupt
// goroutine when the card signals an interrupt. The card interrupt
// stays masked after cb runs until AckInBandInterrupt.
func (c *Controller) RegisterInBandInterrupt(cb func()) error {
	if cb == nil {
		return fmt.Errorf("sdhci: nil interrupt callback: %w", ErrInvalidArgs)
	}
	c.mu.Lock()
	c.inBand = cb
	signal := interrupts(c.regs.Read32(regInterruptSignalEnable)) | cardInterrupt
	c.regs.Write32(regInterruptSignalEnable, uint32(signal))
	status := interrupts(c.regs.Read32(regInterruptStatusEnable))
	status = setBit(status, i_card, !c.cardMasked)
	c.regs.Write32(regInterruptStatusEnable, uint32(status))
	masked := c.cardMasked
	c.mu.Unlock()
	if masked {
		// An interrupt arrived before registration.
		cb()
	}
	return nil
}

// AckInBandInterrupt unmasks the card interrupt.
func (c *Controller) AckInBandInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := interrupts(c.regs.Read32(regInterruptStatusEnable)) | cardInterrupt
	c.regs.Write32(regInterruptStatusEnable, uint32(status))
	c.cardMasked = false
}

// Close stops the interrupt goroutine and releases the descriptor
// memory. Requests in flight are never completed.
func (c *Controller) Close() error {
	err := c.irq.Destroy()
	<-c.irqDone
	if c.descs != nil {
		err = errors.Join(err, c.descs.Close())
		c.descs = nil
	}
	return err
}

func (c *Controller) debug(msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), slog.LevelDebug, "sdhci: "+msg, attrs...)
}

func (c *Controller) logerr(msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), slog.LevelError, "sdhci: "+msg, attrs...)
}

func (c *Controller) trace(msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), levelTrace, "sdhci: "+msg, attrs...)
}

func (c *Controller) traceEnabled() bool {
	return c.log.Enabled(context.Background(), levelTrace)
}
