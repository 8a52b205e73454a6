package sdhci

import (
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Voltage is a signalling voltage.
type Voltage int

const (
	Voltage330 Voltage = iota
	Voltage180
)

func (v Voltage) String() string {
	switch v {
	case Voltage330:
		return "3.3V"
	case Voltage180:
		return "1.8V"
	}
	return fmt.Sprintf("Voltage(%d)", int(v))
}

// BusWidth is the number of data lines.
type BusWidth int

const (
	BusWidth1 BusWidth = iota
	BusWidth4
	BusWidth8
)

func (w BusWidth) String() string {
	switch w {
	case BusWidth1:
		return "1-bit"
	case BusWidth4:
		return "4-bit"
	case BusWidth8:
		return "8-bit"
	}
	return fmt.Sprintf("BusWidth(%d)", int(w))
}

// Timing is a bus timing mode.
type Timing int

const (
	TimingLegacy Timing = iota
	TimingHS
	TimingHSDDR
	TimingHS200
	TimingHS400
	TimingSDR12
	TimingSDR25
	TimingSDR50
	TimingSDR104
	TimingDDR50
)

var timingNames = [...]string{
	TimingLegacy: "legacy",
	TimingHS:     "hs",
	TimingHSDDR:  "hsddr",
	TimingHS200:  "hs200",
	TimingHS400:  "hs400",
	TimingSDR12:  "sdr12",
	TimingSDR25:  "sdr25",
	TimingSDR50:  "sdr50",
	TimingSDR104: "sdr104",
	TimingDDR50:  "ddr50",
}

func (t Timing) String() string {
	if t >= 0 && int(t) < len(timingNames) {
		return timingNames[t]
	}
	return fmt.Sprintf("Timing(%d)", int(t))
}

// ParseTiming returns the timing named s, as printed by Timing.String.
func ParseTiming(s string) (Timing, bool) {
	for t, n := range timingNames {
		if n == s {
			return Timing(t), true
		}
	}
	return 0, false
}

// uhsModes maps timings to the host control 2 UHS mode select.
var uhsModes = map[Timing]uint16{
	TimingLegacy: uhsModeSDR12,
	TimingSDR12:  uhsModeSDR12,
	TimingHS:     uhsModeSDR25,
	TimingSDR25:  uhsModeSDR25,
	TimingHSDDR:  uhsModeDDR50,
	TimingDDR50:  uhsModeDDR50,
	TimingHS200:  uhsModeSDR104,
	TimingSDR104: uhsModeSDR104,
	TimingHS400:  uhsModeHS400,
	TimingSDR50:  uhsModeSDR50,
}

const (
	resetTime              = 1 * time.Second
	clockStabilizationTime = 150 * time.Millisecond
	voltageSettleTime      = 5 * time.Millisecond
	inhibitWaitTime        = 1 * time.Millisecond
	pollInterval           = 1 * time.Microsecond
)

// SetSignalVoltage switches the signalling voltage.
func (c *Controller) SetSignalVoltage(v Voltage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl2 := readHostControl2(c.regs)
	switch v {
	case Voltage180:
		ctrl2 = ctrl2.withSignalling1V8(true)
	case Voltage330:
		if !c.info.Caps.Has(CapVoltage330) {
			return fmt.Errorf("sdhci: voltage %v: %w", v, ErrNotSupported)
		}
		ctrl2 = ctrl2.withSignalling1V8(false)
	default:
		return fmt.Errorf("sdhci: voltage %v: %w", v, ErrInvalidArgs)
	}
	ctrl2.commit(c.regs)
	// The card needs time to switch.
	time.Sleep(voltageSettleTime)
	if readHostControl2(c.regs).signalling1V8() != (v == Voltage180) {
		readPowerControl(c.regs).withBusPower(false).commit(c.regs)
		return fmt.Errorf("sdhci: voltage %v did not take effect: %w", v, ErrInternal)
	}
	c.debug("signal voltage", slog.String("voltage", v.String()))
	return nil
}

// SetBusWidth sets the number of data lines.
func (c *Controller) SetBusWidth(w BusWidth) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl1 := readHostControl1(c.regs)
	switch w {
	case BusWidth1:
		ctrl1 = ctrl1.withDataWidth(false, false)
	case BusWidth4:
		ctrl1 = ctrl1.withDataWidth(true, false)
	case BusWidth8:
		if !c.info.Caps.Has(CapBusWidth8) {
			return fmt.Errorf("sdhci: bus width %v: %w", w, ErrNotSupported)
		}
		ctrl1 = ctrl1.withDataWidth(false, true)
	default:
		return fmt.Errorf("sdhci: bus width %v: %w", w, ErrInvalidArgs)
	}
	ctrl1.commit(c.regs)
	c.debug("bus width", slog.String("width", w.String()))
	return nil
}

// SetTiming selects the bus timing.
func (c *Controller) SetTiming(t Timing) error {
	mode, ok := uhsModes[t]
	if !ok {
		return fmt.Errorf("sdhci: timing %v: %w", t, ErrInvalidArgs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	readHostControl1(c.regs).withHighSpeed(t != TimingLegacy).commit(c.regs)
	readHostControl2(c.regs).withUHSMode(mode).commit(c.regs)
	c.debug("timing", slog.String("timing", t.String()))
	return nil
}

// SetBusFreq sets the card clock. A zero frequency leaves the clock
// off.
func (c *Controller) SetBusFreq(f physic.Frequency) error {
	if f < 0 {
		return fmt.Errorf("sdhci: bus frequency %v: %w", f, ErrInvalidArgs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inhibit := presentState(0b1<<ps_cmd_inhibit | 0b1<<ps_cmd_inhibit_dat)
	if !c.poll(inhibitWaitTime, func() bool { return readPresentState(c.regs)&inhibit == 0 }) {
		return fmt.Errorf("sdhci: bus frequency: inhibit: %w", ErrTimeout)
	}
	clk := readClockControl(c.regs).withSDClock(false)
	clk.commit(c.regs)
	if f == 0 {
		return nil
	}
	if err := c.setupClockLocked(f); err != nil {
		return err
	}
	readClockControl(c.regs).withSDClock(true).commit(c.regs)
	c.debug("bus frequency", slog.String("freq", f.String()))
	return nil
}

// setupClockLocked programs the divider for f and waits for the
// internal clock to stabilize. The SD clock must be off.
func (c *Controller) setupClockLocked(f physic.Frequency) error {
	clk := readClockControl(c.regs).withInternalClock(false)
	clk.commit(c.regs)
	clk = clk.withFrequencySelect(clockDivider(c.info.BaseClock, f)).withInternalClock(true)
	clk.commit(c.regs)
	if !c.poll(clockStabilizationTime, func() bool { return readClockControl(c.regs).internalClockStable() }) {
		return fmt.Errorf("sdhci: internal clock never stabilized: %w", ErrTimeout)
	}
	return nil
}

// clockDivider returns the 10-bit divider for running the card clock
// at or below target from base. The card clock is base/(2*div), or
// base for a divider of 0.
func clockDivider(base, target physic.Frequency) uint16 {
	if target >= base {
		return 0
	}
	div := base / (2 * target)
	if div*target*2 < base {
		div++
	}
	return uint16(min(div, maxFrequencySelect))
}
