package sdhci

// Registers is the memory-mapped register window of a host controller.
// Every call must reach the hardware; implementations must not cache
// values across calls.
type Registers interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

const (
	// Register offsets of the version 3.00 standard register set.
	regBlockSize             = 0x04
	regBlockCount            = 0x06
	regArgument              = 0x08
	regTransferMode          = 0x0c
	regCommand               = 0x0e
	regResponse0             = 0x10
	regBufferData            = 0x20
	regPresentState          = 0x24
	regHostControl1          = 0x28
	regPowerControl          = 0x29
	regClockControl          = 0x2c
	regTimeoutControl        = 0x2e
	regSoftwareReset         = 0x2f
	regInterruptStatus       = 0x30
	regInterruptStatusEnable = 0x34
	regInterruptSignalEnable = 0x38
	regHostControl2          = 0x3e
	regCapabilities0         = 0x40
	regCapabilities1         = 0x44
	regADMAErrorStatus       = 0x54
	regADMAAddress0          = 0x58
	regADMAAddress1          = 0x5c
	regHostVersion           = 0xfe

	// RegisterSetSize is the size of the standard register set.
	RegisterSetSize = 0x100

	// Transfer mode bits.
	tm_dma_en    = 0
	tm_blkcnt_en = 1
	tm_auto_cmd  = 2 // 2 bits.
	tm_read      = 4
	tm_multi_blk = 5

	autoCmd12 = 0b01
	autoCmd23 = 0b10

	// Command bits.
	cmd_resp_type = 0 // 2 bits.
	cmd_crc_chk   = 3
	cmd_idx_chk   = 4
	cmd_data      = 5
	cmd_type      = 6 // 2 bits.
	cmd_index     = 8 // 6 bits.

	respType136    = 0b01
	respType48     = 0b10
	respType48Busy = 0b11

	cmdTypeSuspend = 0b01
	cmdTypeResume  = 0b10
	cmdTypeAbort   = 0b11

	// Present state bits.
	ps_cmd_inhibit     = 0
	ps_cmd_inhibit_dat = 1

	// Host control 1 bits.
	hc1_data_width_4bit = 1
	hc1_high_speed      = 2
	hc1_dma_select      = 3 // 2 bits.
	hc1_ext_data_width  = 5

	dmaSelect32BitADMA2 = 0b10
	dmaSelect64BitADMA2 = 0b11

	// Power control bits.
	pwr_bus_power   = 0
	pwr_bus_voltage = 1 // 3 bits.

	busVoltage3V3 = 0b111
	busVoltage1V8 = 0b101

	// Clock control bits.
	clk_internal_en     = 0
	clk_internal_stable = 1
	clk_sd_en           = 2
	clk_freq_select_hi  = 6 // 2 bits, divider bits 9:8.
	clk_freq_select     = 8 // 8 bits, divider bits 7:0.

	maxFrequencySelect = 0x3ff

	// Timeout control bits.
	dataTimeoutMax = 0xe

	// Software reset bits.
	rst_all = 0
	rst_cmd = 1
	rst_dat = 2

	// Interrupt status, status enable and signal enable bits.
	i_cmd_complete    = 0
	i_xfer_complete   = 1
	i_buf_write_ready = 4
	i_buf_read_ready  = 5
	i_card            = 8
	i_error           = 15
	i_cmd_timeout     = 16
	i_cmd_crc         = 17
	i_cmd_end_bit     = 18
	i_cmd_index       = 19
	i_data_timeout    = 20
	i_data_crc        = 21
	i_data_end_bit    = 22
	i_current_limit   = 23
	i_auto_cmd        = 24
	i_adma            = 25
	i_tuning          = 26

	// Host control 2 bits.
	hc2_uhs_mode        = 0 // 3 bits.
	hc2_1v8_signal_en   = 3
	hc2_execute_tuning  = 6
	hc2_use_tuned_clock = 7
	uhsModeSDR12        = 0b000
	uhsModeSDR25        = 0b001
	uhsModeSDR50        = 0b010
	uhsModeSDR104       = 0b011
	uhsModeDDR50        = 0b100
	uhsModeHS400        = 0b101
	uhsModeMask         = 0b111
	dmaSelectMask       = 0b11
	busVoltageMask      = 0b111
	respTypeMask        = 0b11
	cmdIndexMask        = 0b11_1111
	freqSelectLowMask   = 0xff
	freqSelectHighMask  = 0b11
	capBaseClockMask    = 0xff
	versionSpecMask     = 0xff
	admaErrorStatusMask = 0b111

	// Capabilities 0 bits.
	caps0_base_clock = 8 // 8 bits, MHz.
	caps0_8bit       = 18
	caps0_adma2      = 19
	caps0_3v3        = 24
	caps0_1v8        = 26
	caps0_64bit_v3   = 28

	// Capabilities 1 bits.
	caps1_sdr50        = 0
	caps1_sdr104       = 1
	caps1_ddr50        = 2
	caps1_tuning_sdr50 = 13

	// Host controller version.
	specVersion300 = 0x02
)

// The interrupts enabled while a request is in flight.
const (
	normalInterrupts = interrupts(0b1<<i_cmd_complete | 0b1<<i_xfer_complete |
		0b1<<i_buf_write_ready | 0b1<<i_buf_read_ready)
	errorInterrupts = interrupts(0b1<<i_cmd_timeout | 0b1<<i_cmd_crc | 0b1<<i_cmd_end_bit |
		0b1<<i_cmd_index | 0b1<<i_data_timeout | 0b1<<i_data_crc | 0b1<<i_data_end_bit |
		0b1<<i_current_limit | 0b1<<i_auto_cmd | 0b1<<i_adma | 0b1<<i_tuning)
	cardInterrupt = interrupts(0b1 << i_card)
)

type register interface {
	~uint8 | ~uint16 | ~uint32
}

func bit[T register](v T, n uint) bool {
	return v&(0b1<<n) != 0
}

func setBit[T register](v T, n uint, on bool) T {
	if on {
		return v | 0b1<<n
	}
	return v &^ (0b1 << n)
}

func field[T register](v T, shift uint, mask T) T {
	return v >> shift & mask
}

func setField[T register](v T, shift uint, mask, x T) T {
	return v&^(mask<<shift) | (x&mask)<<shift
}

// transferMode is the value of the transfer mode register.
type transferMode uint16

func (t transferMode) commit(r Registers) { r.Write16(regTransferMode, uint16(t)) }

func (t transferMode) dmaEnable() bool { return bit(t, tm_dma_en) }

// command is the value of the command register. Writing it starts
// the command.
type command uint16

func (c command) commit(r Registers) { r.Write16(regCommand, uint16(c)) }

func (c command) index() uint8 { return uint8(field(c, cmd_index, cmdIndexMask)) }

type presentState uint32

func readPresentState(r Registers) presentState {
	return presentState(r.Read32(regPresentState))
}

type hostControl1 uint8

func readHostControl1(r Registers) hostControl1 {
	return hostControl1(r.Read8(regHostControl1))
}

func (h hostControl1) commit(r Registers) { r.Write8(regHostControl1, uint8(h)) }

func (h hostControl1) extendedDataWidth() bool { return bit(h, hc1_ext_data_width) }

func (h hostControl1) withDataWidth(width4, width8 bool) hostControl1 {
	return setBit(setBit(h, hc1_data_width_4bit, width4), hc1_ext_data_width, width8)
}

func (h hostControl1) withHighSpeed(on bool) hostControl1 { return setBit(h, hc1_high_speed, on) }

func (h hostControl1) withDMASelect(sel uint8) hostControl1 {
	return setField(h, hc1_dma_select, dmaSelectMask, hostControl1(sel))
}

type powerControl uint8

func readPowerControl(r Registers) powerControl {
	return powerControl(r.Read8(regPowerControl))
}

func (p powerControl) commit(r Registers) { r.Write8(regPowerControl, uint8(p)) }

func (p powerControl) withBusPower(on bool) powerControl { return setBit(p, pwr_bus_power, on) }

func (p powerControl) withBusVoltage(v uint8) powerControl {
	return setField(p, pwr_bus_voltage, busVoltageMask, powerControl(v))
}

type clockControl uint16

func readClockControl(r Registers) clockControl {
	return clockControl(r.Read16(regClockControl))
}

func (c clockControl) commit(r Registers) { r.Write16(regClockControl, uint16(c)) }

func (c clockControl) internalClockStable() bool { return bit(c, clk_internal_stable) }

func (c clockControl) withInternalClock(on bool) clockControl {
	return setBit(c, clk_internal_en, on)
}

func (c clockControl) withSDClock(on bool) clockControl { return setBit(c, clk_sd_en, on) }

// withFrequencySelect sets the 10-bit divider. The low 8 bits live in
// bits 15:8 and the upper 2 bits in bits 7:6.
func (c clockControl) withFrequencySelect(div uint16) clockControl {
	c = setField(c, clk_freq_select, freqSelectLowMask, clockControl(div&freqSelectLowMask))
	return setField(c, clk_freq_select_hi, freqSelectHighMask, clockControl(div>>8))
}

func (c clockControl) frequencySelect() uint16 {
	return uint16(field(c, clk_freq_select, freqSelectLowMask)) |
		uint16(field(c, clk_freq_select_hi, freqSelectHighMask))<<8
}

type softwareReset uint8

func readSoftwareReset(r Registers) softwareReset {
	return softwareReset(r.Read8(regSoftwareReset))
}

func (s softwareReset) commit(r Registers) { r.Write8(regSoftwareReset, uint8(s)) }

// interrupts is the layout shared by the interrupt status, status
// enable and signal enable registers.
type interrupts uint32

func (i interrupts) commandComplete() bool  { return bit(i, i_cmd_complete) }
func (i interrupts) transferComplete() bool { return bit(i, i_xfer_complete) }
func (i interrupts) bufferWriteReady() bool { return bit(i, i_buf_write_ready) }
func (i interrupts) bufferReadReady() bool  { return bit(i, i_buf_read_ready) }
func (i interrupts) cardInterrupt() bool    { return bit(i, i_card) }
func (i interrupts) admaError() bool        { return bit(i, i_adma) }

func (i interrupts) errorInterrupt() bool {
	return i&(0b1<<i_error|errorInterrupts) != 0
}

type hostControl2 uint16

func readHostControl2(r Registers) hostControl2 {
	return hostControl2(r.Read16(regHostControl2))
}

func (h hostControl2) commit(r Registers) { r.Write16(regHostControl2, uint16(h)) }

func (h hostControl2) signalling1V8() bool { return bit(h, hc2_1v8_signal_en) }
func (h hostControl2) executeTuning() bool { return bit(h, hc2_execute_tuning) }
func (h hostControl2) useTunedClock() bool { return bit(h, hc2_use_tuned_clock) }

func (h hostControl2) withSignalling1V8(on bool) hostControl2 {
	return setBit(h, hc2_1v8_signal_en, on)
}

func (h hostControl2) withExecuteTuning(on bool) hostControl2 {
	return setBit(h, hc2_execute_tuning, on)
}

func (h hostControl2) withUHSMode(mode uint16) hostControl2 {
	return setField(h, hc2_uhs_mode, uhsModeMask, hostControl2(mode))
}

type capabilities0 uint32

func (c capabilities0) baseClockMHz() uint32 {
	return uint32(field(c, caps0_base_clock, capBaseClockMask))
}

type capabilities1 uint32
