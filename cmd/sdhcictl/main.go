// Command sdhcictl drives an SD host controller from userspace. It
// issues single commands, changes bus settings and runs tuning, against
// real hardware through /dev/mem and a UIO device or against the
// built-in simulator.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/fxamacker/cbor/v2"
	"periph.io/x/conn/v3/physic"
	"sdhci.dev/driver/sdhci"
	"sdhci.dev/internal/golden"
)

type options struct {
	regs      uint64
	size      int
	uio       string
	quirks    string
	boundary  uint64
	clock     physic.Frequency
	sim       bool
	trace     string
	update    bool
	console   string
	baud      int
	verbose   bool
	logOutput io.Writer
}

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sdhcictl: %v\n", err)
		os.Exit(2)
	}
}

func run(stdout io.Writer, args []string) error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	opts := options{logOutput: os.Stderr}
	fs := flag.NewFlagSet("sdhcictl", flag.ContinueOnError)
	fs.Uint64Var(&opts.regs, "regs", 0, "physical address of the controller registers")
	fs.IntVar(&opts.size, "size", sdhci.RegisterSetSize, "size of the register window")
	fs.StringVar(&opts.uio, "uio", "", "UIO device delivering the controller interrupt")
	fs.StringVar(&opts.quirks, "quirks", "", "comma separated controller quirks")
	fs.Uint64Var(&opts.boundary, "boundary", 0, "DMA boundary alignment for the dma-boundary-alignment quirk")
	fs.Var(&opts.clock, "clock", "base clock for controllers that don't report one")
	fs.BoolVar(&opts.sim, "sim", false, "use the simulated controller")
	fs.StringVar(&opts.trace, "trace", "", "golden file for the simulated register trace")
	fs.BoolVar(&opts.update, "update", false, "write the trace golden file instead of comparing")
	fs.StringVar(&opts.console, "console", "", "serial device for log output")
	fs.IntVar(&opts.baud, "baud", 115200, "console baud rate")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	args = fs.Args()
	if len(args) == 0 {
		return errors.New("missing command (info, cmd, freq, width, timing, voltage, tune, reset)")
	}
	cmd, args := args[0], args[1:]
	exec, ok := commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command: %q", cmd)
	}
	if opts.trace != "" && !opts.sim {
		return errors.New("-trace requires -sim")
	}

	if opts.console != "" {
		con, err := openConsole(opts.console, opts.baud)
		if err != nil {
			return err
		}
		defer con.Close()
		opts.logOutput = con
		log.SetOutput(con)
		defer log.SetOutput(os.Stderr)
	}
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(opts.logOutput, &slog.HandlerOptions{Level: level}))

	quirks, err := parseQuirks(opts.quirks)
	if err != nil {
		return err
	}
	b, err := openBackend(opts)
	if err != nil {
		return err
	}
	defer b.close()
	cfg := b.cfg
	cfg.Quirks = quirks
	cfg.DMABoundaryAlignment = opts.boundary
	cfg.Logger = logger
	if b.sim != nil && opts.trace != "" {
		b.sim.StartTrace()
	}
	c, err := sdhci.New(cfg)
	if err != nil {
		return err
	}
	err = exec(stdout, c, args)
	var trace []sdhci.Access
	if b.sim != nil {
		trace = b.sim.Trace()
	}
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if opts.trace != "" {
		if err := golden.CompareTrace(opts.trace, opts.update, trace); err != nil {
			return fmt.Errorf("trace: %w", err)
		}
	}
	return nil
}

func parseQuirks(s string) (sdhci.Quirks, error) {
	var q sdhci.Quirks
	if s == "" {
		return q, nil
	}
	for _, name := range strings.Split(s, ",") {
		x, ok := sdhci.ParseQuirk(strings.TrimSpace(name))
		if !ok {
			return 0, fmt.Errorf("unknown quirk: %q", name)
		}
		q |= x
	}
	return q, nil
}

var commands = map[string]func(stdout io.Writer, c *sdhci.Controller, args []string) error{
	"info":    info,
	"cmd":     command,
	"freq":    freq,
	"width":   width,
	"timing":  timing,
	"voltage": voltage,
	"tune":    tune,
	"reset":   reset,
}

var capNames = []struct {
	c    sdhci.Caps
	name string
}{
	{sdhci.CapBusWidth8, "8-bit"},
	{sdhci.CapDMA, "dma"},
	{sdhci.CapVoltage330, "3.3V"},
	{sdhci.CapAutoCmd12, "auto-cmd12"},
	{sdhci.CapSDR104, "sdr104"},
	{sdhci.CapSDR50, "sdr50"},
	{sdhci.CapDDR50, "ddr50"},
	{sdhci.CapNoTuningSDR50, "sdr50-no-tuning"},
}

var prefNames = []struct {
	p    sdhci.Prefs
	name string
}{
	{sdhci.PrefDisableHS400, "no-hs400"},
	{sdhci.PrefDisableHS200, "no-hs200"},
	{sdhci.PrefDisableHSDDR, "no-hsddr"},
}

func info(stdout io.Writer, c *sdhci.Controller, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	asCBOR := fs.Bool("cbor", false, "write the host information as CBOR")
	if err := fs.Parse(args); err != nil {
		return err
	}
	inf := c.Info()
	if *asCBOR {
		enc, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return fmt.Errorf("info: %w", err)
		}
		b, err := enc.Marshal(inf)
		if err != nil {
			return fmt.Errorf("info: %w", err)
		}
		_, err = stdout.Write(b)
		return err
	}
	var caps, prefs []string
	for _, n := range capNames {
		if inf.Caps.Has(n.c) {
			caps = append(caps, n.name)
		}
	}
	for _, n := range prefNames {
		if inf.Prefs.Has(n.p) {
			prefs = append(prefs, n.name)
		}
	}
	fmt.Fprintf(stdout, "version: %d\n", inf.Version+1)
	fmt.Fprintf(stdout, "base clock: %v\n", inf.BaseClock)
	fmt.Fprintf(stdout, "caps: %s\n", strings.Join(caps, " "))
	fmt.Fprintf(stdout, "prefs: %s\n", strings.Join(prefs, " "))
	fmt.Fprintf(stdout, "max transfer: %d (dma) %d (pio)\n", inf.MaxTransferSize, inf.MaxTransferSizeNonDMA)
	fmt.Fprintf(stdout, "64-bit dma: %v\n", inf.Addr64)
	return nil
}

var responses = map[string]sdhci.Flags{
	"none": sdhci.RespNone,
	"r1":   sdhci.RespR1,
	"r1b":  sdhci.RespR1b,
	"r2":   sdhci.RespR2,
	"r3":   sdhci.RespR3,
	"r6":   sdhci.RespR6,
	"r7":   sdhci.RespR7,
}

func command(stdout io.Writer, c *sdhci.Controller, args []string) error {
	fs := flag.NewFlagSet("cmd", flag.ContinueOnError)
	resp := fs.String("resp", "r1", "response type (none, r1, r1b, r2, r3, r6, r7)")
	abort := fs.Bool("abort", false, "issue as an abort command")
	blocks := fs.Int("blocks", 0, "number of blocks to read")
	blockSize := fs.Int("blocksize", 512, "block size in bytes")
	dma := fs.Bool("dma", false, "transfer data with DMA")
	if err := fs.Parse(args); err != nil {
		return err
	}
	args = fs.Args()
	if len(args) < 1 || len(args) > 2 {
		return errors.New("cmd: specify command index and optional argument")
	}
	idx, err := strconv.ParseUint(args[0], 0, 6)
	if err != nil {
		return fmt.Errorf("cmd: index: %w", err)
	}
	var arg uint64
	if len(args) == 2 {
		arg, err = strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("cmd: argument: %w", err)
		}
	}
	flags, ok := responses[*resp]
	if !ok {
		return fmt.Errorf("cmd: unknown response type: %q", *resp)
	}
	if *abort {
		flags |= sdhci.CmdTypeAbort
	}
	req := &sdhci.Request{Cmd: uint8(idx), Flags: flags, Arg: uint32(arg)}
	if *blocks > 0 {
		if *blocks > 0xffff || *blockSize <= 0 || *blockSize > 0xffff {
			return errors.New("cmd: invalid block count or size")
		}
		req.Flags |= sdhci.RespDataPresent | sdhci.CmdRead
		if *blocks > 1 {
			req.Flags |= sdhci.CmdMultiBlock | sdhci.CmdBlockCountEnable | sdhci.CmdAuto12
		}
		if *dma {
			req.Flags |= sdhci.CmdDMA
		}
		req.BlockSize = uint16(*blockSize)
		req.BlockCount = uint16(*blocks)
		req.Buf = alignedBuffer(*blocks * *blockSize)
	}
	if err := c.Request(req); err != nil {
		return err
	}
	switch {
	case flags&sdhci.Resp136 != 0:
		fmt.Fprintf(stdout, "%08x %08x %08x %08x\n", req.Response[0], req.Response[1], req.Response[2], req.Response[3])
	case flags&(sdhci.Resp48|sdhci.Resp48Busy) != 0:
		fmt.Fprintf(stdout, "%08x\n", req.Response[0])
	}
	if req.Buf != nil {
		io.WriteString(stdout, hex.Dump(req.Buf))
	}
	return nil
}

// alignedBuffer returns a page aligned buffer of n bytes.
func alignedBuffer(n int) []byte {
	ps := os.Getpagesize()
	buf := make([]byte, n+ps)
	off := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % uintptr(ps))
	if off != 0 {
		off = ps - off
	}
	return buf[off : off+n]
}

func freq(stdout io.Writer, c *sdhci.Controller, args []string) error {
	if len(args) != 1 {
		return errors.New("freq: specify frequency (e.g. 25MHz)")
	}
	var f physic.Frequency
	if err := f.Set(args[0]); err != nil {
		return fmt.Errorf("freq: %w", err)
	}
	return c.SetBusFreq(f)
}

func width(stdout io.Writer, c *sdhci.Controller, args []string) error {
	if len(args) != 1 {
		return errors.New("width: specify bus width (1, 4, 8)")
	}
	var w sdhci.BusWidth
	switch args[0] {
	case "1":
		w = sdhci.BusWidth1
	case "4":
		w = sdhci.BusWidth4
	case "8":
		w = sdhci.BusWidth8
	default:
		return fmt.Errorf("width: invalid bus width: %q", args[0])
	}
	return c.SetBusWidth(w)
}

func timing(stdout io.Writer, c *sdhci.Controller, args []string) error {
	if len(args) != 1 {
		return errors.New("timing: specify timing (legacy, hs, hsddr, hs200, hs400, sdr12, sdr25, sdr50, sdr104, ddr50)")
	}
	t, ok := sdhci.ParseTiming(args[0])
	if !ok {
		return fmt.Errorf("timing: unknown timing: %q", args[0])
	}
	return c.SetTiming(t)
}

func voltage(stdout io.Writer, c *sdhci.Controller, args []string) error {
	if len(args) != 1 {
		return errors.New("voltage: specify signal voltage (3.3, 1.8)")
	}
	var v sdhci.Voltage
	switch args[0] {
	case "3.3":
		v = sdhci.Voltage330
	case "1.8":
		v = sdhci.Voltage180
	default:
		return fmt.Errorf("voltage: invalid signal voltage: %q", args[0])
	}
	return c.SetSignalVoltage(v)
}

func tune(stdout io.Writer, c *sdhci.Controller, args []string) error {
	fs := flag.NewFlagSet("tune", flag.ContinueOnError)
	mmc := fs.Bool("mmc", false, "tune with the MMC tuning command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd := uint8(sdhci.CmdSendTuningBlockSD)
	if *mmc {
		cmd = sdhci.CmdSendTuningBlockMMC
	}
	if err := c.PerformTuning(cmd); err != nil {
		return err
	}
	log.Printf("tuning with cmd%d succeeded", cmd)
	return nil
}

func reset(stdout io.Writer, c *sdhci.Controller, args []string) error {
	c.HwReset()
	return nil
}
