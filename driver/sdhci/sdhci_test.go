package sdhci

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

func start(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	})
	return c
}

func newController(t *testing.T, sim *Simulator, quirks Quirks) *Controller {
	t.Helper()
	cfg := sim.Config()
	cfg.Quirks = quirks
	return start(t, cfg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

const (
	readMultiple  = RespR1 | RespDataPresent | CmdRead | CmdMultiBlock | CmdBlockCountEnable | CmdAuto12
	writeMultiple = RespR1 | RespDataPresent | CmdMultiBlock | CmdBlockCountEnable | CmdAuto12
)

func TestInit(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	info := c.Info()
	want := CapBusWidth8 | CapDMA | CapVoltage330 | CapAutoCmd12 | CapSDR104 | CapSDR50 | CapDDR50
	if info.Caps != want {
		t.Errorf("caps %#x, want %#x", info.Caps, want)
	}
	if info.Prefs != 0 {
		t.Errorf("prefs %#x, want none", info.Prefs)
	}
	if info.BaseClock != 200*physic.MegaHertz {
		t.Errorf("base clock %v, want 200MHz", info.BaseClock)
	}
	if info.MaxTransferSize != maxDescriptors*4096 {
		t.Errorf("max transfer size %d, want %d", info.MaxTransferSize, maxDescriptors*4096)
	}
	if info.MaxTransferSizeNonDMA != TransferUnbounded {
		t.Errorf("max non-dma transfer size %d, want unbounded", info.MaxTransferSizeNonDMA)
	}
	if info.Addr64 {
		t.Error("64-bit addressing without capability")
	}
	if resets := sim.Resets(); len(resets) == 0 || !bit(softwareReset(resets[0]), rst_all) {
		t.Errorf("resets %v, want a full reset first", resets)
	}
	if n := sim.QuarantineReleases(); n != 1 {
		t.Errorf("%d quarantine releases, want 1", n)
	}
	clk := clockControl(sim.Read16(regClockControl))
	if div := clk.frequencySelect(); div != 250 {
		t.Errorf("setup clock divider %d, want 250", div)
	}
	if !bit(clk, clk_sd_en) || !clk.internalClockStable() {
		t.Errorf("clock control %#04x, want card clock running", uint16(clk))
	}
	pwr := powerControl(sim.Read8(regPowerControl))
	if !bit(pwr, pwr_bus_power) || field(pwr, pwr_bus_voltage, busVoltageMask) != busVoltage3V3 {
		t.Errorf("power control %#02x, want 3.3V on", uint8(pwr))
	}
	if sel := field(readHostControl1(sim), hc1_dma_select, dmaSelectMask); sel != dmaSelect32BitADMA2 {
		t.Errorf("dma select %d, want 32-bit ADMA2", sel)
	}
	if to := sim.Read8(regTimeoutControl) & 0xf; to != dataTimeoutMax {
		t.Errorf("data timeout %#x, want %#x", to, dataTimeoutMax)
	}
	if en := sim.Read32(regInterruptSignalEnable); en != 0 {
		t.Errorf("signal enable %#08x after init, want 0", en)
	}
}

func TestInitQuirks(t *testing.T) {
	tests := []struct {
		quirks   Quirks
		noCaps   Caps
		prefs    Prefs
		transfer uint64
	}{
		{QuirkNoDMA, CapDMA, 0, TransferUnbounded},
		{QuirkNoDDR, CapDDR50, PrefDisableHSDDR | PrefDisableHS400, maxDescriptors * 4096},
		{QuirkNonStandardTuning, 0, PrefDisableHS200 | PrefDisableHS400, maxDescriptors * 4096},
	}
	for _, test := range tests {
		sim := NewSimulator(DefaultSimConfig())
		info := newController(t, sim, test.quirks).Info()
		if test.noCaps != 0 && info.Caps&test.noCaps != 0 {
			t.Errorf("%v: caps %#x include %#x", test.quirks, info.Caps, test.noCaps)
		}
		if info.Prefs != test.prefs {
			t.Errorf("%v: prefs %#x, want %#x", test.quirks, info.Prefs, test.prefs)
		}
		if info.MaxTransferSize != test.transfer {
			t.Errorf("%v: max transfer %d, want %d", test.quirks, info.MaxTransferSize, test.transfer)
		}
	}

	cfg := DefaultSimConfig()
	cfg.Caps1 &^= 0b1 << caps1_tuning_sdr50
	info := newController(t, NewSimulator(cfg), 0).Info()
	if !info.Caps.Has(CapNoTuningSDR50) {
		t.Errorf("caps %#x without SDR50 tuning lack CapNoTuningSDR50", info.Caps)
	}
}

func TestInitErrors(t *testing.T) {
	old := DefaultSimConfig()
	old.Version = 0x01
	noClock := DefaultSimConfig()
	noClock.Caps0 &^= capBaseClockMask << caps0_base_clock
	highDescs := DefaultSimConfig()
	highDescs.PhysBase = 0x1_0000_0000

	tests := []struct {
		name   string
		sim    SimConfig
		quirks Quirks
		err    error
	}{
		{"version", old, 0, ErrNotSupported},
		{"base clock", noClock, 0, ErrInternal},
		{"boundary", DefaultSimConfig(), QuirkUseDMABoundaryAlignment, ErrOutOfRange},
		{"32-bit descriptors", highDescs, 0, ErrNotSupported},
	}
	for _, test := range tests {
		cfg := NewSimulator(test.sim).Config()
		cfg.Quirks = test.quirks
		c, err := New(cfg)
		if !errors.Is(err, test.err) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.err)
		}
		if c != nil {
			c.Close()
		}
	}

	if _, err := New(Config{}); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("empty config: got %v, want %v", err, ErrInvalidArgs)
	}

	stuck := NewSimulator(DefaultSimConfig())
	stuck.SetStuckReset(true)
	if _, err := New(stuck.Config()); !errors.Is(err, ErrTimeout) {
		t.Errorf("stuck reset: got %v, want %v", err, ErrTimeout)
	}
}

func TestInitPlatformClock(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Caps0 &^= capBaseClockMask << caps0_base_clock
	cfg.BaseClock = 100 * physic.MegaHertz
	c := newController(t, NewSimulator(cfg), 0)
	if f := c.Info().BaseClock; f != cfg.BaseClock {
		t.Errorf("base clock %v, want %v", f, cfg.BaseClock)
	}
}

func TestCommand(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	idle := &Request{Cmd: 0, Flags: RespNone}
	if err := c.Request(idle); err != nil {
		t.Fatal(err)
	}
	if idle.Response != [4]uint32{} {
		t.Errorf("response %#x to a command without response", idle.Response)
	}
	status := &Request{Cmd: 13, Flags: RespR1, Arg: 0x1234 << 16}
	if err := c.Request(status); err != nil {
		t.Fatal(err)
	}
	if status.Response != [4]uint32{0x900} {
		t.Errorf("response %#x, want card status", status.Response)
	}
	csd := &Request{Cmd: 9, Flags: RespR2}
	if err := c.Request(csd); err != nil {
		t.Fatal(err)
	}
	if want := [4]uint32{0x01234567, 0x89abcdef, 0xfedcba98, 0x76543210}; csd.Response != want {
		t.Errorf("response %#x, want %#x", csd.Response, want)
	}
	cmds := sim.Commands()
	if len(cmds) != 3 {
		t.Fatalf("%d commands issued, want 3", len(cmds))
	}
	if cmd := cmds[1]; cmd.Index != 13 || cmd.Arg != 0x1234<<16 {
		t.Errorf("issued %+v, want cmd13 with rca", cmd)
	}
	if en := sim.Read32(regInterruptStatusEnable); en != 0 {
		t.Errorf("status enable %#08x after completion, want 0", en)
	}
}

func TestStripCRC(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, QuirkStripResponseCRC)
	csd := &Request{Cmd: 9, Flags: RespR2}
	if err := c.Request(csd); err != nil {
		t.Fatal(err)
	}
	if want := [4]uint32{0x543210fe, 0xdcba9889, 0xabcdef01, 0x23456700}; csd.Response != want {
		t.Errorf("response %#x, want %#x", csd.Response, want)
	}
}

func TestPIO(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	data := pattern(4*512, 0x5a)
	w := &Request{Cmd: 25, Flags: writeMultiple, Arg: 8, BlockSize: 512, BlockCount: 4, Buf: data}
	if err := c.Request(w); err != nil {
		t.Fatal(err)
	}
	if got := sim.Storage()[8*512 : 12*512]; !bytes.Equal(got, data) {
		t.Error("written data does not match the card contents")
	}

	buf := make([]byte, 100+4*512)
	r := &Request{Cmd: 18, Flags: readMultiple, Arg: 8, BlockSize: 512, BlockCount: 4, Buf: buf, Offset: 100}
	if err := c.Request(r); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[100:], data) {
		t.Error("read data does not match the card contents")
	}

	single := make([]byte, 64)
	copy(sim.Storage()[3*64:], pattern(64, 0x11))
	r = &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead, Arg: 3, BlockSize: 64, BlockCount: 1, Buf: single}
	if err := c.Request(r); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(single, pattern(64, 0x11)) {
		t.Error("single block read mismatch")
	}
}

func TestDMA(t *testing.T) {
	for _, scatter := range []bool{false, true} {
		sim := NewSimulator(DefaultSimConfig())
		c := newController(t, sim, 0)
		sim.SetScatter(scatter)

		data := pattern(16*512, 0xa5)
		copy(sim.Storage()[4*512:], data)
		buf := make([]byte, 3*4096)
		r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, Arg: 4, BlockSize: 512, BlockCount: 16, Buf: buf, Offset: 512}
		if err := c.Request(r); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf[512:512+len(data)], data) {
			t.Errorf("scatter %v: read data mismatch", scatter)
		}
		wantDescs := 1
		if scatter {
			wantDescs = 3
		}
		if chain := sim.Chain(); len(chain) != wantDescs {
			t.Errorf("scatter %v: %d descriptors walked, want %d", scatter, len(chain), wantDescs)
		}
		ops := sim.CacheOps()
		if len(ops) != 3 || ops[0].Op != CacheCleanInvalidate || ops[1].Op != CacheClean || ops[2].Op != CacheCleanInvalidate {
			t.Errorf("scatter %v: cache operations %+v", scatter, ops)
		}
		if n := sim.Pins(); n != 0 {
			t.Errorf("scatter %v: %d pins left", scatter, n)
		}

		out := pattern(8*512, 0x3c)
		w := &Request{Cmd: 25, Flags: writeMultiple | CmdDMA, Arg: 100, BlockSize: 512, BlockCount: 8, Buf: out}
		if err := c.Request(w); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(sim.Storage()[100*512:108*512], out) {
			t.Errorf("scatter %v: written data mismatch", scatter)
		}
		if ops := sim.CacheOps()[3:]; len(ops) != 2 || ops[0].Op != CacheClean || ops[0].Length != len(out) {
			t.Errorf("scatter %v: write cache operations %+v", scatter, ops)
		}
	}
}

func TestDMA64(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Caps0 |= 0b1 << caps0_64bit_v3
	cfg.PhysBase = 0x1_0000_0000
	sim := NewSimulator(cfg)
	c := newController(t, sim, 0)
	if !c.Info().Addr64 {
		t.Fatal("64-bit addressing not selected")
	}
	if sel := field(readHostControl1(sim), hc1_dma_select, dmaSelectMask); sel != dmaSelect64BitADMA2 {
		t.Errorf("dma select %d, want 64-bit ADMA2", sel)
	}
	data := pattern(2*512, 0x77)
	copy(sim.Storage(), data)
	buf := make([]byte, 4096)
	r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 2, Buf: buf}
	if err := c.Request(r); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:len(data)], data) {
		t.Error("read data mismatch")
	}
	chain := sim.Chain()
	if len(chain) != 1 || chain[0].Addr < 0x1_0000_0000 {
		t.Errorf("chain %+v, want one descriptor above 4 GiB", chain)
	}
}

func TestDMABoundary(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	cfg := sim.Config()
	cfg.Quirks = QuirkUseDMABoundaryAlignment
	cfg.DMABoundaryAlignment = 4096
	c := start(t, cfg)
	buf := make([]byte, 3*4096)
	r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 16, Buf: buf, Offset: 2048}
	if err := c.Request(r); err != nil {
		t.Fatal(err)
	}
	chain := sim.Chain()
	if len(chain) != 3 {
		t.Fatalf("%d descriptors, want 3", len(chain))
	}
	for i, d := range chain {
		if d.Addr/4096 != (d.Addr+uint64(d.Length)-1)/4096 {
			t.Errorf("descriptor %d %+v crosses a page", i, d)
		}
	}
}

func TestBusy(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	sim.Hold()
	errc := make(chan error, 1)
	first := &Request{Cmd: 13, Flags: RespR1}
	go func() {
		errc <- c.Request(first)
	}()
	waitFor(t, "first command", func() bool { return len(sim.Commands()) == 1 })
	second := &Request{Cmd: 13, Flags: RespR1}
	if err := c.Request(second); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent request: got %v, want %v", err, ErrBusy)
	}
	if n := len(sim.Commands()); n != 1 {
		t.Errorf("%d commands issued, want 1", n)
	}
	sim.Release()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if first.Response[0] != 0x900 {
		t.Errorf("first response %#x", first.Response[0])
	}
	if err := c.Request(second); err != nil {
		t.Errorf("request after completion: %v", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	sim.StartTrace()
	tests := []struct {
		name string
		req  *Request
	}{
		{"too many pages", &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 4097}},
		{"unaligned pio block", &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead, BlockSize: 6, BlockCount: 1, Buf: make([]byte, 6)}},
		{"short buffer", &Request{Cmd: 18, Flags: readMultiple, BlockSize: 512, BlockCount: 2, Buf: make([]byte, 1000)}},
		{"short dma buffer", &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 2, Buf: make([]byte, 1024), Offset: 1}},
		{"no blocks", &Request{Cmd: 18, Flags: readMultiple, BlockSize: 512, Buf: make([]byte, 512)}},
		{"huge block", &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead, BlockSize: 4096, BlockCount: 1, Buf: make([]byte, 4096)}},
	}
	for _, test := range tests {
		if err := c.Request(test.req); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("%s: got %v, want %v", test.name, err, ErrInvalidArgs)
		}
		if !errors.Is(test.req.Status, ErrInvalidArgs) {
			t.Errorf("%s: status %v, want %v", test.name, test.req.Status, ErrInvalidArgs)
		}
	}
	for _, a := range sim.Trace() {
		if a.Write {
			t.Errorf("invalid request wrote %#x to register %#x", a.Val, a.Off)
		}
	}
	if n := len(sim.Commands()); n != 0 {
		t.Errorf("%d commands issued, want 0", n)
	}
}

func TestNoDMA(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, QuirkNoDMA)
	r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 1, Buf: make([]byte, 512)}
	if err := c.Request(r); !errors.Is(err, ErrNotSupported) {
		t.Errorf("got %v, want %v", err, ErrNotSupported)
	}
}

func TestSpuriousInterrupts(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	logs := new(logBuffer)
	cfg := sim.Config()
	cfg.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := start(t, cfg)

	sim.ForceInterrupt(0b1<<i_cmd_complete | 0b1<<i_buf_read_ready | 0b1<<i_xfer_complete)
	waitFor(t, "spurious interrupt", func() bool { return logs.contains("spurious transfer complete") })
	for _, msg := range []string{"spurious command complete", "spurious buffer read ready"} {
		if !logs.contains(msg) {
			t.Errorf("missing %q log", msg)
		}
	}

	data := pattern(512, 0x42)
	copy(sim.Storage(), data)
	buf := make([]byte, 512)
	r := &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead, BlockSize: 512, BlockCount: 1, Buf: buf}
	if err := c.Request(r); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) || r.Response[0] != 0x900 {
		t.Error("request after spurious interrupts returned wrong data")
	}
}

func TestErrorRecovery(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	sim.SetResponder(func(cmd SimCommand) SimResponse {
		switch cmd.Index {
		case 17:
			return SimResponse{Response: [4]uint32{0x900}, Error: 0b1 << i_data_crc}
		case 55:
			return SimResponse{Error: 0b1 << i_cmd_timeout}
		}
		return defaultResponse(cmd)
	})
	for _, dma := range []Flags{0, CmdDMA} {
		resets := len(sim.Resets())
		r := &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead | dma, BlockSize: 512, BlockCount: 1, Buf: make([]byte, 4096)}
		if err := c.Request(r); !errors.Is(err, ErrIO) {
			t.Errorf("data error: got %v, want %v", err, ErrIO)
		}
		got := sim.Resets()[resets:]
		if len(got) != 2 || got[0] != 0b1<<rst_cmd || got[1] != 0b1<<rst_dat {
			t.Errorf("resets after error %v, want command then data", got)
		}
		if n := sim.Pins(); n != 0 {
			t.Errorf("%d pins left after error", n)
		}
	}
	if err := c.Request(&Request{Cmd: 55, Flags: RespR1}); !errors.Is(err, ErrIO) {
		t.Errorf("command timeout: got %v, want %v", err, ErrIO)
	}
	if err := c.Request(&Request{Cmd: 13, Flags: RespR1}); err != nil {
		t.Errorf("request after errors: %v", err)
	}
}

func TestTransferOutOfRange(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	// Past the end of the simulated card.
	r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, Arg: 1 << 20, BlockSize: 512, BlockCount: 1, Buf: make([]byte, 512)}
	if err := c.Request(r); !errors.Is(err, ErrIO) {
		t.Errorf("got %v, want %v", err, ErrIO)
	}
}

func TestAbort(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	sim.SetInhibit(false, true)
	stop := &Request{Cmd: 12, Flags: RespR1b | CmdTypeAbort}
	if err := c.Request(stop); err != nil {
		t.Fatal(err)
	}
	resets := sim.Resets()
	if last := resets[len(resets)-1]; last != 0b1<<rst_cmd|0b1<<rst_dat {
		t.Errorf("reset %#x after abort, want command and data", last)
	}
	if stop.Response[0] != 0x900 {
		t.Errorf("abort response %#x", stop.Response[0])
	}
}

func TestInhibit(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	sim.SetInhibit(true, false)
	if err := c.Request(&Request{Cmd: 13, Flags: RespR1}); !errors.Is(err, ErrTimeout) {
		t.Errorf("command inhibit: got %v, want %v", err, ErrTimeout)
	}
	sim.SetInhibit(false, true)
	if err := c.Request(&Request{Cmd: 13, Flags: RespR1}); err != nil {
		t.Errorf("data inhibit blocked a command without busy: %v", err)
	}
	if err := c.Request(&Request{Cmd: 7, Flags: RespR1b}); !errors.Is(err, ErrTimeout) {
		t.Errorf("data inhibit with busy: got %v, want %v", err, ErrTimeout)
	}
	sim.SetInhibit(false, false)
	if err := c.Request(&Request{Cmd: 7, Flags: RespR1b}); err != nil {
		t.Errorf("busy command: %v", err)
	}
}

func TestPinErrors(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	errPin := errors.New("pin failed")
	errUnpin := errors.New("unpin failed")

	sim.SetPinErrors(errPin, nil)
	r := &Request{Cmd: 18, Flags: readMultiple | CmdDMA, BlockSize: 512, BlockCount: 1, Buf: make([]byte, 512)}
	if err := c.Request(r); !errors.Is(err, errPin) {
		t.Errorf("pin: got %v, want %v", err, errPin)
	}
	if n := len(sim.Commands()); n != 0 {
		t.Errorf("%d commands issued after pin failure", n)
	}

	sim.SetPinErrors(nil, errUnpin)
	if err := c.Request(r); !errors.Is(err, errUnpin) {
		t.Errorf("unpin: got %v, want %v", err, errUnpin)
	}
	if r.Status != nil {
		t.Errorf("transfer status %v, want success", r.Status)
	}
	if n := sim.Pins(); n != 0 {
		t.Errorf("%d pins left", n)
	}
}

func TestCacheError(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	read := func() *Request {
		return &Request{Cmd: 17, Flags: RespR1 | RespDataPresent | CmdRead | CmdDMA, BlockSize: 512, BlockCount: 1, Buf: make([]byte, 4096)}
	}
	before := len(sim.CacheOps())
	if err := c.Request(read()); err != nil {
		t.Fatal(err)
	}
	ops := len(sim.CacheOps()) - before
	if ops == 0 {
		t.Fatal("no cache maintenance for a dma read")
	}

	errCache := errors.New("cache failed")
	sim.FailCacheOp(ops-1, errCache)
	r := read()
	if err := c.Request(r); !errors.Is(err, errCache) {
		t.Errorf("got %v, want %v", err, errCache)
	}
	if r.Status != nil {
		t.Errorf("transfer status %v, want success", r.Status)
	}
	if n := sim.Pins(); n != 0 {
		t.Errorf("%d pins left after cache failure", n)
	}
	if got := sim.CacheOps(); got[len(got)-1].Op != CacheCleanInvalidate {
		t.Errorf("last cache op %+v, want clean and invalidate", got[len(got)-1])
	}
}

func TestTuning(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	if err := c.PerformTuning(CmdSendTuningBlockSD); err != nil {
		t.Fatal(err)
	}
	cmds := sim.Commands()
	if len(cmds) != 4 {
		t.Fatalf("%d tuning blocks, want 4", len(cmds))
	}
	for _, cmd := range cmds {
		if cmd.Index != CmdSendTuningBlockSD || cmd.BlockSize != 64 {
			t.Errorf("tuning command %+v", cmd)
		}
	}
	ctrl2 := readHostControl2(sim)
	if ctrl2.executeTuning() || !ctrl2.useTunedClock() {
		t.Errorf("host control 2 %#04x after tuning", uint16(ctrl2))
	}

	if err := c.SetBusWidth(BusWidth8); err != nil {
		t.Fatal(err)
	}
	if err := c.PerformTuning(CmdSendTuningBlockMMC); err != nil {
		t.Fatal(err)
	}
	if cmd := sim.Commands()[4]; cmd.Index != CmdSendTuningBlockMMC || cmd.BlockSize != 128 {
		t.Errorf("8-bit tuning command %+v", cmd)
	}
}

func TestTuningFailure(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.TuningBlocks = 0
	sim := NewSimulator(cfg)
	c := newController(t, sim, 0)
	if err := c.PerformTuning(CmdSendTuningBlockSD); !errors.Is(err, ErrIO) {
		t.Errorf("got %v, want %v", err, ErrIO)
	}
	if n := len(sim.Commands()); n != maxTuningCount {
		t.Errorf("%d tuning blocks, want %d", n, maxTuningCount)
	}
}

func TestTuningRequestError(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	sim.SetResponder(func(cmd SimCommand) SimResponse {
		return SimResponse{Error: 0b1 << i_cmd_timeout}
	})
	if err := c.PerformTuning(CmdSendTuningBlockSD); !errors.Is(err, ErrIO) {
		t.Errorf("got %v, want %v", err, ErrIO)
	}
	if n := len(sim.Commands()); n != 1 {
		t.Errorf("%d tuning blocks after a failed one, want 1", n)
	}
}

func TestBusSettings(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	widths := []struct {
		w      BusWidth
		b4, b8 bool
	}{
		{BusWidth4, true, false},
		{BusWidth8, false, true},
		{BusWidth1, false, false},
	}
	for _, test := range widths {
		if err := c.SetBusWidth(test.w); err != nil {
			t.Fatal(err)
		}
		ctrl1 := readHostControl1(sim)
		if bit(ctrl1, hc1_data_width_4bit) != test.b4 || bit(ctrl1, hc1_ext_data_width) != test.b8 {
			t.Errorf("%v: host control 1 %#02x", test.w, uint8(ctrl1))
		}
	}
	if err := c.SetBusWidth(BusWidth(7)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("invalid width: got %v, want %v", err, ErrInvalidArgs)
	}

	timings := []struct {
		t    Timing
		mode uint16
	}{
		{TimingSDR104, uhsModeSDR104},
		{TimingHS400, uhsModeHS400},
		{TimingHSDDR, uhsModeDDR50},
		{TimingSDR50, uhsModeSDR50},
		{TimingHS, uhsModeSDR25},
		{TimingLegacy, uhsModeSDR12},
	}
	for _, test := range timings {
		if err := c.SetTiming(test.t); err != nil {
			t.Fatal(err)
		}
		if mode := uint16(field(readHostControl2(sim), hc2_uhs_mode, uhsModeMask)); mode != test.mode {
			t.Errorf("%v: uhs mode %d, want %d", test.t, mode, test.mode)
		}
		if hs := bit(readHostControl1(sim), hc1_high_speed); hs != (test.t != TimingLegacy) {
			t.Errorf("%v: high speed %v", test.t, hs)
		}
	}
	if err := c.SetTiming(Timing(42)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("invalid timing: got %v, want %v", err, ErrInvalidArgs)
	}

	if err := c.SetBusFreq(25 * physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	clk := readClockControl(sim)
	if clk.frequencySelect() != 4 || !bit(clk, clk_sd_en) {
		t.Errorf("clock control %#04x at 25MHz", uint16(clk))
	}
	if err := c.SetBusFreq(0); err != nil {
		t.Fatal(err)
	}
	if bit(readClockControl(sim), clk_sd_en) {
		t.Error("card clock running at 0 Hz")
	}
	sim.SetInhibit(false, true)
	if err := c.SetBusFreq(physic.MegaHertz); !errors.Is(err, ErrTimeout) {
		t.Errorf("frequency with inhibit: got %v, want %v", err, ErrTimeout)
	}
	sim.SetInhibit(false, false)

	if err := c.SetSignalVoltage(Voltage180); err != nil {
		t.Fatal(err)
	}
	if !readHostControl2(sim).signalling1V8() {
		t.Error("1.8V signalling not enabled")
	}
	if err := c.SetSignalVoltage(Voltage(5)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("invalid voltage: got %v, want %v", err, ErrInvalidArgs)
	}
	sim.SetVoltageSwitchFails(true)
	if err := c.SetSignalVoltage(Voltage330); !errors.Is(err, ErrInternal) {
		t.Errorf("failed switch: got %v, want %v", err, ErrInternal)
	}
	if bit(readPowerControl(sim), pwr_bus_power) {
		t.Error("bus power left on after a failed voltage switch")
	}
}

func TestBusCapabilities(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Caps0 &^= 0b1<<caps0_8bit | 0b1<<caps0_3v3
	sim := NewSimulator(cfg)
	c := newController(t, sim, 0)
	if err := c.SetBusWidth(BusWidth8); !errors.Is(err, ErrNotSupported) {
		t.Errorf("8-bit: got %v, want %v", err, ErrNotSupported)
	}
	if err := c.SetSignalVoltage(Voltage330); !errors.Is(err, ErrNotSupported) {
		t.Errorf("3.3V: got %v, want %v", err, ErrNotSupported)
	}
	if v := field(readPowerControl(sim), pwr_bus_voltage, busVoltageMask); v != busVoltage1V8 {
		t.Errorf("bus voltage %#x, want 1.8V", v)
	}
}

func TestInBandInterrupt(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	calls := make(chan string, 10)
	if err := c.RegisterInBandInterrupt(func() { calls <- "first" }); err != nil {
		t.Fatal(err)
	}
	if en := interrupts(sim.Read32(regInterruptSignalEnable)); !en.cardInterrupt() {
		t.Errorf("signal enable %#08x lacks the card interrupt", uint32(en))
	}
	expect := func(want string) {
		t.Helper()
		select {
		case got := <-calls:
			if got != want {
				t.Errorf("callback %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %q callback", want)
		}
	}
	sim.SetCardInterrupt(true)
	expect("first")
	if en := interrupts(sim.Read32(regInterruptStatusEnable)); en.cardInterrupt() {
		t.Errorf("card interrupt not masked after delivery: %#08x", uint32(en))
	}
	// Requests leave the card interrupt masked.
	if err := c.Request(&Request{Cmd: 13, Flags: RespR1}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-calls:
		t.Errorf("callback %q while masked", got)
	case <-time.After(20 * time.Millisecond):
	}

	// Registering while masked replays the interrupt.
	if err := c.RegisterInBandInterrupt(func() { calls <- "second" }); err != nil {
		t.Fatal(err)
	}
	expect("second")

	sim.SetCardInterrupt(false)
	c.AckInBandInterrupt()
	if en := interrupts(sim.Read32(regInterruptStatusEnable)); !en.cardInterrupt() {
		t.Errorf("card interrupt still masked after ack: %#08x", uint32(en))
	}
	sim.SetCardInterrupt(true)
	expect("second")

	if err := c.RegisterInBandInterrupt(nil); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("nil callback: got %v, want %v", err, ErrInvalidArgs)
	}
}

func TestInBandInterruptBeforeRegistration(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)

	sim.ForceInterrupt(uint32(cardInterrupt))
	waitFor(t, "card interrupt", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cardMasked
	})
	calls := make(chan struct{}, 1)
	if err := c.RegisterInBandInterrupt(func() { calls <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("card interrupt before registration not delivered")
	}
	if en := interrupts(sim.Read32(regInterruptStatusEnable)); en.cardInterrupt() {
		t.Errorf("card interrupt enabled before ack: %#08x", uint32(en))
	}
	c.AckInBandInterrupt()
	if en := interrupts(sim.Read32(regInterruptStatusEnable)); !en.cardInterrupt() {
		t.Errorf("card interrupt still masked after ack: %#08x", uint32(en))
	}
}

func TestHwReset(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c := newController(t, sim, 0)
	c.HwReset()
	if n := sim.HwResets(); n != 1 {
		t.Errorf("%d hardware resets, want 1", n)
	}
}

func TestCloseStopsInterrupts(t *testing.T) {
	sim := NewSimulator(DefaultSimConfig())
	c, err := New(sim.Config())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not stop the interrupt goroutine")
	}
	if err := sim.Wait(); !errors.Is(err, ErrCanceled) {
		t.Errorf("wait after close: got %v, want %v", err, ErrCanceled)
	}
}

func TestQuirkNames(t *testing.T) {
	for _, n := range quirkNames {
		q, ok := ParseQuirk(n.q.String())
		if !ok || q != n.q {
			t.Errorf("quirk %q parsed as %v", n.name, q)
		}
	}
	if s := (QuirkNoDMA | QuirkNoDDR).String(); s != "no-dma,no-ddr" {
		t.Errorf("quirks printed as %q", s)
	}
	for _, tm := range []Timing{TimingLegacy, TimingHS400, TimingDDR50} {
		if got, ok := ParseTiming(tm.String()); !ok || got != tm {
			t.Errorf("timing %v parsed as %v", tm, got)
		}
	}
}
