package sdhci

import (
	"encoding/binary"
	"errors"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// Simulator is an in-memory host controller with a block device
// attached. It implements Registers, DMA, Interrupt and Platform.
type Simulator struct {
	mu   sync.Mutex
	cfg  SimConfig
	regs [RegisterSetSize]byte

	latched interrupts
	forced  interrupts
	card    bool
	pio     *simPIO
	storage []byte

	inhibit     presentState
	stuckReset  bool
	noSwitch    bool
	scatter     bool
	hold        bool
	held        *SimCommand
	responder   func(SimCommand) SimResponse
	pinErr      error
	unpinErr    error
	cacheErr    error
	cacheSkip   int
	tuneCount   int
	regions     []*simRegion
	nextPhys    uint64
	nextPin     PinHandle
	pins        map[PinHandle][]*simRegion
	wake        chan struct{}
	destroyed   chan struct{}
	destroyOnce sync.Once

	recording bool
	trace     []Access
	commands  []SimCommand
	resets    []uint8
	cacheOps  []SimCacheOp
	chain     []SimDescriptor
	hwResets  int
	released  int
}

// SimConfig describes the simulated controller.
type SimConfig struct {
	Caps0, Caps1 uint32
	Version      uint16
	// BaseClock is reported through Platform.BaseClock.
	BaseClock physic.Frequency
	PageSize  int
	// PhysBase is the first simulated physical address.
	PhysBase uint64
	// StorageSize is the size of the simulated card.
	StorageSize int
	// TuningBlocks is the number of tuning blocks after which tuning
	// succeeds. Zero means tuning never finishes.
	TuningBlocks int
}

// SimCommand is a command issued to the simulator.
type SimCommand struct {
	Index        uint8
	Arg          uint32
	Command      uint16
	TransferMode uint16
	BlockSize    uint16
	BlockCount   uint16
}

// SimResponse is the simulated card reaction to a command.
type SimResponse struct {
	Response [4]uint32
	// Error holds interrupt status error bits to raise. Command errors
	// (bits 16-19) replace the command complete, the others replace
	// the data phase.
	Error uint32
	// Ignore leaves the command without any completion event.
	Ignore bool
}

// SimCacheOp is a recorded cache maintenance operation.
type SimCacheOp struct {
	Op     CacheOp
	Length int
}

// SimDescriptor is a descriptor walked by the simulated ADMA engine.
type SimDescriptor struct {
	Addr   uint64
	Length int
	Attr   uint16
}

// Access is a recorded register access.
type Access struct {
	_     struct{} `cbor:",toarray"`
	Write bool
	Size  uint8
	Off   uint32
	Val   uint32
}

type simPIO struct {
	cmd   SimCommand
	read  bool
	base  int
	block int
	pos   int
}

type simRegion struct {
	phys uint64
	buf  []byte
}

type simMemory struct {
	s *Simulator
	r *simRegion
}

const cmdErrors = 0b1<<i_cmd_timeout | 0b1<<i_cmd_crc | 0b1<<i_cmd_end_bit | 0b1<<i_cmd_index

// DefaultSimConfig returns a 200 MHz controller with 8-bit bus,
// ADMA2, 3.3V, SDR50, SDR104 and DDR50 support.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Caps0: 200<<caps0_base_clock | 0b1<<caps0_8bit | 0b1<<caps0_adma2 |
			0b1<<caps0_3v3 | 0b1<<caps0_1v8,
		Caps1:        0b1<<caps1_sdr50 | 0b1<<caps1_sdr104 | 0b1<<caps1_ddr50 | 0b1<<caps1_tuning_sdr50,
		Version:      specVersion300,
		PageSize:     4096,
		PhysBase:     0x1000_0000,
		StorageSize:  1 << 20,
		TuningBlocks: 4,
	}
}

func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	s := &Simulator{
		cfg:       cfg,
		storage:   make([]byte, cfg.StorageSize),
		nextPhys:  cfg.PhysBase,
		nextPin:   1,
		pins:      make(map[PinHandle][]*simRegion),
		wake:      make(chan struct{}, 1),
		destroyed: make(chan struct{}),
	}
	s.resetAllLocked()
	return s
}

// Config returns a controller configuration backed by s.
func (s *Simulator) Config() Config {
	return Config{
		Registers: s,
		DMA:       s,
		Interrupt: s,
		Platform:  s,
		PageSize:  s.cfg.PageSize,
	}
}

func (s *Simulator) resetAllLocked() {
	s.regs = [RegisterSetSize]byte{}
	binary.LittleEndian.PutUint32(s.regs[regCapabilities0:], s.cfg.Caps0)
	binary.LittleEndian.PutUint32(s.regs[regCapabilities1:], s.cfg.Caps1)
	binary.LittleEndian.PutUint16(s.regs[regHostVersion:], s.cfg.Version)
	s.latched = 0
	s.forced = 0
	s.pio = nil
}

func (s *Simulator) Read8(off uint32) uint8   { return uint8(s.read(off, 1)) }
func (s *Simulator) Read16(off uint32) uint16 { return uint16(s.read(off, 2)) }
func (s *Simulator) Read32(off uint32) uint32 { return s.read(off, 4) }

func (s *Simulator) Write8(off uint32, v uint8)   { s.write(off, 1, uint32(v)) }
func (s *Simulator) Write16(off uint32, v uint16) { s.write(off, 2, uint32(v)) }
func (s *Simulator) Write32(off uint32, v uint32) { s.write(off, 4, v) }

func (s *Simulator) read(off uint32, size int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v uint32
	switch {
	case int(off)+size > len(s.regs):
	case off == regBufferData && size == 4:
		v = s.popLocked()
	default:
		binary.LittleEndian.PutUint32(s.regs[regPresentState:], uint32(s.inhibit))
		binary.LittleEndian.PutUint32(s.regs[regInterruptStatus:], uint32(s.statusLocked()))
		v = getLE(s.regs[off:], size)
	}
	s.recordLocked(false, off, size, v)
	return v
}

func (s *Simulator) write(off uint32, size int, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(true, off, size, v)
	switch {
	case int(off)+size > len(s.regs):
	case off == regBufferData && size == 4:
		s.pushLocked(v)
	case off == regInterruptStatus && size == 4:
		s.latched &^= interrupts(v)
		s.forced &^= interrupts(v)
	case off == regSoftwareReset && size == 1:
		s.resetLocked(uint8(v))
	default:
		prevCtrl2 := readRegs16(s.regs[:], regHostControl2)
		putLE(s.regs[off:], size, v)
		s.effectsLocked(off, size, prevCtrl2)
	}
	s.signalLocked()
}

func getLE(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func putLE(b []byte, size int, v uint32) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}

func readRegs16(b []byte, off uint32) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func covers(off uint32, size int, reg uint32) bool {
	return reg >= off && reg < off+uint32(size)
}

func (s *Simulator) effectsLocked(off uint32, size int, prevCtrl2 uint16) {
	if covers(off, size, regClockControl) {
		clk := clockControl(readRegs16(s.regs[:], regClockControl))
		clk = setBit(clk, clk_internal_stable, bit(clk, clk_internal_en))
		binary.LittleEndian.PutUint16(s.regs[regClockControl:], uint16(clk))
	}
	if covers(off, size, regHostControl2) {
		ctrl2 := hostControl2(readRegs16(s.regs[:], regHostControl2))
		if ctrl2.executeTuning() && !hostControl2(prevCtrl2).executeTuning() {
			s.tuneCount = 0
			ctrl2 = setBit(ctrl2, hc2_use_tuned_clock, false)
		}
		if s.noSwitch {
			ctrl2 = ctrl2.withSignalling1V8(hostControl2(prevCtrl2).signalling1V8())
		}
		binary.LittleEndian.PutUint16(s.regs[regHostControl2:], uint16(ctrl2))
	}
	if covers(off, size, regInterruptStatusEnable) {
		s.latched &= interrupts(binary.LittleEndian.Uint32(s.regs[regInterruptStatusEnable:]))
	}
	// Writing the upper byte of the command register starts the command.
	if covers(off, size, regCommand+1) {
		s.executeLocked()
	}
}

func (s *Simulator) recordLocked(write bool, off uint32, size int, v uint32) {
	if s.recording {
		s.trace = append(s.trace, Access{Write: write, Size: uint8(size), Off: off, Val: v})
	}
}

func (s *Simulator) statusEnableLocked() interrupts {
	return interrupts(binary.LittleEndian.Uint32(s.regs[regInterruptStatusEnable:]))
}

func (s *Simulator) statusLocked() interrupts {
	st := s.latched | s.forced
	if s.card && s.statusEnableLocked().cardInterrupt() {
		st |= cardInterrupt
	}
	if st&errorInterrupts != 0 {
		st |= 0b1 << i_error
	}
	return st
}

func (s *Simulator) assertedLocked() bool {
	signal := interrupts(binary.LittleEndian.Uint32(s.regs[regInterruptSignalEnable:]))
	return s.forced != 0 || s.statusLocked()&signal != 0
}

func (s *Simulator) raiseLocked(irq interrupts) {
	s.latched |= irq & s.statusEnableLocked()
}

func (s *Simulator) signalLocked() {
	if !s.assertedLocked() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Simulator) resetLocked(v uint8) {
	s.resets = append(s.resets, v)
	if s.stuckReset {
		s.regs[regSoftwareReset] = v
		return
	}
	s.regs[regSoftwareReset] = 0
	r := softwareReset(v)
	if bit(r, rst_all) {
		s.resetAllLocked()
		return
	}
	if bit(r, rst_dat) {
		s.pio = nil
		s.latched &^= 0b1<<i_xfer_complete | 0b1<<i_buf_read_ready | 0b1<<i_buf_write_ready
	}
}

func (s *Simulator) executeLocked() {
	c := SimCommand{
		Command:      readRegs16(s.regs[:], regCommand),
		TransferMode: readRegs16(s.regs[:], regTransferMode),
		Arg:          binary.LittleEndian.Uint32(s.regs[regArgument:]),
		BlockSize:    readRegs16(s.regs[:], regBlockSize),
		BlockCount:   readRegs16(s.regs[:], regBlockCount),
	}
	c.Index = command(c.Command).index()
	s.commands = append(s.commands, c)
	if s.hold {
		s.held = &c
		return
	}
	s.runLocked(c)
}

func defaultResponse(c SimCommand) SimResponse {
	var r SimResponse
	switch field(command(c.Command), cmd_resp_type, respTypeMask) {
	case respType136:
		r.Response = [4]uint32{0x01234567, 0x89abcdef, 0xfedcba98, 0x76543210}
	case respType48, respType48Busy:
		// Card status in the transfer state.
		r.Response[0] = 0x900
	}
	return r
}

func (s *Simulator) runLocked(c SimCommand) {
	resp := defaultResponse(c)
	if s.responder != nil {
		resp = s.responder(c)
	}
	if resp.Ignore {
		return
	}
	if resp.Error&cmdErrors != 0 {
		s.raiseLocked(interrupts(resp.Error))
		return
	}
	for i, w := range resp.Response {
		binary.LittleEndian.PutUint32(s.regs[regResponse0+4*i:], w)
	}
	s.raiseLocked(0b1 << i_cmd_complete)
	cmd := command(c.Command)
	if !bit(cmd, cmd_data) {
		if field(cmd, cmd_resp_type, respTypeMask) == respType48Busy {
			s.raiseLocked(0b1 << i_xfer_complete)
		}
		return
	}
	if resp.Error != 0 {
		s.raiseLocked(interrupts(resp.Error))
		return
	}
	if c.Index == CmdSendTuningBlockSD || c.Index == CmdSendTuningBlockMMC {
		s.tuneLocked()
		s.raiseLocked(0b1 << i_buf_read_ready)
		return
	}
	tm := transferMode(c.TransferMode)
	count := 1
	if bit(tm, tm_multi_blk) {
		count = int(c.BlockCount)
	}
	base := int(c.Arg) * int(c.BlockSize)
	if c.BlockSize == 0 || count == 0 || base+count*int(c.BlockSize) > len(s.storage) {
		s.raiseLocked(0b1 << i_data_timeout)
		return
	}
	read := bit(tm, tm_read)
	if tm.dmaEnable() {
		if !s.dmaLocked(read, base, count*int(c.BlockSize)) {
			s.regs[regADMAErrorStatus] = 0b01
			s.raiseLocked(0b1 << i_adma)
			return
		}
		s.raiseLocked(0b1 << i_xfer_complete)
		return
	}
	s.pio = &simPIO{cmd: c, read: read, base: base}
	if read {
		s.raiseLocked(0b1 << i_buf_read_ready)
	} else {
		s.raiseLocked(0b1 << i_buf_write_ready)
	}
}

func (s *Simulator) tuneLocked() {
	s.tuneCount++
	if s.cfg.TuningBlocks == 0 || s.tuneCount < s.cfg.TuningBlocks {
		return
	}
	ctrl2 := hostControl2(readRegs16(s.regs[:], regHostControl2))
	ctrl2 = setBit(setBit(ctrl2, hc2_execute_tuning, false), hc2_use_tuned_clock, true)
	binary.LittleEndian.PutUint16(s.regs[regHostControl2:], uint16(ctrl2))
}

// pioWordLocked returns the storage offset of the next word of the
// PIO transfer and advances it.
func (s *Simulator) pioWordLocked() (int, bool) {
	p := s.pio
	if p == nil {
		return 0, false
	}
	bs := int(p.cmd.BlockSize)
	off := p.base + p.block*bs + p.pos
	p.pos += 4
	if p.pos < bs {
		return off, true
	}
	p.pos = 0
	p.block++
	count := 1
	if bit(transferMode(p.cmd.TransferMode), tm_multi_blk) {
		count = int(p.cmd.BlockCount)
	}
	switch {
	case p.block == count:
		s.pio = nil
		s.raiseLocked(0b1 << i_xfer_complete)
	case p.read:
		s.raiseLocked(0b1 << i_buf_read_ready)
	default:
		s.raiseLocked(0b1 << i_buf_write_ready)
	}
	return off, true
}

func (s *Simulator) popLocked() uint32 {
	if s.pio == nil || !s.pio.read {
		return 0
	}
	off, _ := s.pioWordLocked()
	return binary.LittleEndian.Uint32(s.storage[off:])
}

func (s *Simulator) pushLocked(v uint32) {
	if s.pio == nil || s.pio.read {
		return
	}
	off, _ := s.pioWordLocked()
	binary.LittleEndian.PutUint32(s.storage[off:], v)
}

// dmaLocked walks the descriptor chain and moves length bytes between
// the card at base and simulated memory.
func (s *Simulator) dmaLocked(read bool, base, length int) bool {
	addr := uint64(binary.LittleEndian.Uint32(s.regs[regADMAAddress0:])) |
		uint64(binary.LittleEndian.Uint32(s.regs[regADMAAddress1:]))<<32
	size := descriptorSize32
	ctrl1 := hostControl1(s.regs[regHostControl1])
	if field(ctrl1, hc1_dma_select, dmaSelectMask) == dmaSelect64BitADMA2 {
		size = descriptorSize64
	}
	var chain []SimDescriptor
	pos := 0
	for {
		e := s.memLocked(addr, size)
		if e == nil || len(chain) == maxDescriptors {
			return false
		}
		d := SimDescriptor{
			Attr:   binary.LittleEndian.Uint16(e[0:]),
			Length: int(binary.LittleEndian.Uint16(e[2:])),
		}
		if size == descriptorSize64 {
			d.Addr = binary.LittleEndian.Uint64(e[4:])
		} else {
			d.Addr = uint64(binary.LittleEndian.Uint32(e[4:]))
		}
		if d.Length == 0 {
			d.Length = maxDescriptorLength
		}
		chain = append(chain, d)
		if !bit(d.Attr, desc_valid) || field(d.Attr, desc_act, 0b11) != descActTransfer {
			return false
		}
		mem := s.memLocked(d.Addr, d.Length)
		if mem == nil || pos+d.Length > length {
			return false
		}
		if read {
			copy(mem, s.storage[base+pos:])
		} else {
			copy(s.storage[base+pos:], mem)
		}
		pos += d.Length
		if bit(d.Attr, desc_end) {
			break
		}
		addr += uint64(size)
	}
	s.chain = chain
	return pos == length
}

func (s *Simulator) memLocked(addr uint64, n int) []byte {
	for _, r := range s.regions {
		if addr >= r.phys && addr+uint64(n) <= r.phys+uint64(len(r.buf)) {
			off := addr - r.phys
			return r.buf[off : off+uint64(n)]
		}
	}
	return nil
}

func (s *Simulator) mapLocked(buf []byte) *simRegion {
	ps := uint64(s.cfg.PageSize)
	r := &simRegion{phys: s.nextPhys, buf: buf}
	s.nextPhys += (uint64(len(buf)) + ps - 1) / ps * ps
	if s.scatter {
		// Leave a hole to break physical contiguity.
		s.nextPhys += ps
	}
	s.regions = append(s.regions, r)
	return r
}

func (s *Simulator) unmapLocked(r *simRegion) {
	for i, r2 := range s.regions {
		if r2 == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

func (s *Simulator) Pin(dir Direction, buf []byte) ([]uint64, PinHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinErr != nil {
		return nil, 0, s.pinErr
	}
	ps := s.cfg.PageSize
	var pages []uint64
	var regions []*simRegion
	if s.scatter {
		for off := 0; off < len(buf); off += ps {
			r := s.mapLocked(buf[off:min(off+ps, len(buf))])
			regions = append(regions, r)
			pages = append(pages, r.phys)
		}
	} else {
		r := s.mapLocked(buf)
		regions = append(regions, r)
		for off := 0; off < len(buf); off += ps {
			pages = append(pages, r.phys+uint64(off))
		}
	}
	h := s.nextPin
	s.nextPin++
	s.pins[h] = regions
	return pages, h, nil
}

func (s *Simulator) Unpin(h PinHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regions, ok := s.pins[h]
	if !ok {
		return errors.New("sdhci: unknown pin")
	}
	delete(s.pins, h)
	for _, r := range regions {
		s.unmapLocked(r)
	}
	return s.unpinErr
}

func (s *Simulator) CacheOp(op CacheOp, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheOps = append(s.cacheOps, SimCacheOp{Op: op, Length: len(buf)})
	if s.cacheErr == nil {
		return nil
	}
	if s.cacheSkip > 0 {
		s.cacheSkip--
		return nil
	}
	err := s.cacheErr
	s.cacheErr = nil
	return err
}

func (s *Simulator) AllocContiguous(size int) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &simMemory{s: s, r: s.mapLocked(make([]byte, size))}, nil
}

func (s *Simulator) ReleaseQuarantine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (m *simMemory) Bytes() []byte    { return m.r.buf }
func (m *simMemory) PhysAddr() uint64 { return m.r.phys }

func (m *simMemory) Close() error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.unmapLocked(m.r)
	return nil
}

// Wait blocks until an enabled interrupt is pending.
func (s *Simulator) Wait() error {
	for {
		select {
		case <-s.destroyed:
			return ErrCanceled
		default:
		}
		s.mu.Lock()
		asserted := s.assertedLocked()
		s.mu.Unlock()
		if asserted {
			return nil
		}
		select {
		case <-s.destroyed:
			return ErrCanceled
		case <-s.wake:
		}
	}
}

func (s *Simulator) Destroy() error {
	s.destroyOnce.Do(func() { close(s.destroyed) })
	return nil
}

func (s *Simulator) BaseClock() physic.Frequency {
	return s.cfg.BaseClock
}

func (s *Simulator) HwReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hwResets++
}

// SetResponder replaces the card model. f runs with the simulator
// locked and must not call it.
func (s *Simulator) SetResponder(f func(SimCommand) SimResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = f
}

// SetInhibit holds the command and data inhibit bits.
func (s *Simulator) SetInhibit(cmd, dat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inhibit = setBit(setBit(presentState(0), ps_cmd_inhibit, cmd), ps_cmd_inhibit_dat, dat)
}

// SetStuckReset makes software resets never finish.
func (s *Simulator) SetStuckReset(stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckReset = stuck
}

// SetVoltageSwitchFails makes the signalling voltage ignore writes.
func (s *Simulator) SetVoltageSwitchFails(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSwitch = fail
}

// SetScatter makes every pinned page physically discontiguous from
// the previous one.
func (s *Simulator) SetScatter(scatter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scatter = scatter
}

// SetPinErrors makes Pin and Unpin fail.
func (s *Simulator) SetPinErrors(pin, unpin error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinErr, s.unpinErr = pin, unpin
}

// FailCacheOp makes the cache operation after the next skip ones fail
// with err.
func (s *Simulator) FailCacheOp(skip int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheSkip, s.cacheErr = skip, err
}

// Hold delays the execution of the next command until Release.
func (s *Simulator) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = true
}

func (s *Simulator) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	if c := s.held; c != nil {
		s.held = nil
		s.runLocked(*c)
	}
	s.signalLocked()
}

// SetCardInterrupt sets the level of the card interrupt.
func (s *Simulator) SetCardInterrupt(level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.card = level
	s.signalLocked()
}

// ForceInterrupt latches interrupt status bits and asserts the
// interrupt regardless of the enable registers.
func (s *Simulator) ForceInterrupt(status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced |= interrupts(status)
	s.signalLocked()
}

// StartTrace starts recording register accesses, discarding earlier
// records.
func (s *Simulator) StartTrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = true
	s.trace = nil
}

// Trace returns the register accesses recorded since StartTrace.
func (s *Simulator) Trace() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Access(nil), s.trace...)
}

// Commands returns the commands issued so far.
func (s *Simulator) Commands() []SimCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimCommand(nil), s.commands...)
}

// Resets returns the values written to the software reset register.
func (s *Simulator) Resets() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.resets...)
}

func (s *Simulator) CacheOps() []SimCacheOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimCacheOp(nil), s.cacheOps...)
}

// Chain returns the last descriptor chain walked.
func (s *Simulator) Chain() []SimDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimDescriptor(nil), s.chain...)
}

// Pins returns the number of outstanding pins.
func (s *Simulator) Pins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pins)
}

func (s *Simulator) HwResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwResets
}

func (s *Simulator) QuarantineReleases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Storage returns the simulated card contents.
func (s *Simulator) Storage() []byte {
	return s.storage
}

// Pending reports whether interrupt events wait to be acknowledged.
func (s *Simulator) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assertedLocked()
}
