package sdhci

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Flags describe the response, command type and data phase of a
// request.
type Flags uint32

const (
	RespNone Flags = 1 << iota
	Resp136
	Resp48
	Resp48Busy
	RespCRCCheck
	RespCmdIdxCheck
	RespDataPresent
	CmdTypeNormal
	CmdTypeSuspend
	CmdTypeResume
	CmdTypeAbort
	CmdAuto12
	CmdAuto23
	CmdDMA
	CmdBlockCountEnable
	CmdRead
	CmdMultiBlock
)

// Common response formats.
const (
	RespR1  = Resp48 | RespCRCCheck | RespCmdIdxCheck
	RespR1b = Resp48Busy | RespCRCCheck | RespCmdIdxCheck
	RespR2  = Resp136 | RespCRCCheck
	RespR3  = Resp48
	RespR6  = RespR1
	RespR7  = RespR1

	// TuningFlags are the flags of the tuning block commands.
	TuningFlags = RespR1 | RespDataPresent | CmdRead
)

const (
	// CmdSendTuningBlockSD is the SD tuning command, CMD19.
	CmdSendTuningBlockSD = 19
	// CmdSendTuningBlockMMC is the MMC tuning command, CMD21.
	CmdSendTuningBlockMMC = 21
)

// maxBlockSize is the largest block size the block size register
// holds.
const maxBlockSize = 2048

// Request is a command with an optional data phase. The controller
// owns it from Controller.Request until that call returns.
type Request struct {
	Cmd        uint8
	Flags      Flags
	Arg        uint32
	BlockSize  uint16
	BlockCount uint16
	// Buf holds the data. The transfer starts at Buf[Offset]. For DMA
	// transfers Buf must start on a page boundary.
	Buf    []byte
	Offset int

	// Response is the command response, in the order of the response
	// registers unless a response quirk applies.
	Response [4]uint32
	// Status is the outcome of the request.
	Status error

	pin PinHandle
}

func (r *Request) hasData() bool {
	return r.Flags&RespDataPresent != 0
}

func (r *Request) length() int {
	return int(r.BlockSize) * int(r.BlockCount)
}

func (r *Request) isTuning() bool {
	return r.Cmd == CmdSendTuningBlockSD || r.Cmd == CmdSendTuningBlockMMC
}

func (r *Request) isAbort() bool {
	return r.Flags&CmdTypeAbort != 0
}

// prepareCommand translates request flags to the transfer mode and
// command register values.
func prepareCommand(cmd uint8, f Flags) (transferMode, command) {
	c := command(cmd&cmdIndexMask) << cmd_index
	switch {
	case f&Resp136 != 0:
		c |= respType136 << cmd_resp_type
	case f&Resp48 != 0:
		c |= respType48 << cmd_resp_type
	case f&Resp48Busy != 0:
		c |= respType48Busy << cmd_resp_type
	}
	if f&RespCRCCheck != 0 {
		c |= 0b1 << cmd_crc_chk
	}
	if f&RespCmdIdxCheck != 0 {
		c |= 0b1 << cmd_idx_chk
	}
	if f&RespDataPresent != 0 {
		c |= 0b1 << cmd_data
	}
	switch {
	case f&CmdTypeSuspend != 0:
		c |= cmdTypeSuspend << cmd_type
	case f&CmdTypeResume != 0:
		c |= cmdTypeResume << cmd_type
	case f&CmdTypeAbort != 0:
		c |= cmdTypeAbort << cmd_type
	}
	var t transferMode
	if f&CmdAuto12 != 0 {
		t |= autoCmd12 << tm_auto_cmd
	}
	if f&CmdAuto23 != 0 {
		t |= autoCmd23 << tm_auto_cmd
	}
	if f&CmdDMA != 0 {
		t |= 0b1 << tm_dma_en
	}
	if f&CmdBlockCountEnable != 0 {
		t |= 0b1 << tm_blkcnt_en
	}
	if f&CmdRead != 0 {
		t |= 0b1 << tm_read
	}
	if f&CmdMultiBlock != 0 {
		t |= 0b1 << tm_multi_blk
	}
	return t, c
}

// validate checks the request shape before any register is touched.
func (c *Controller) validate(req *Request) error {
	if !req.hasData() {
		return nil
	}
	if req.BlockSize == 0 || req.BlockSize > maxBlockSize || req.BlockCount == 0 {
		return fmt.Errorf("sdhci: cmd%d: block size %d count %d: %w", req.Cmd, req.BlockSize, req.BlockCount, ErrInvalidArgs)
	}
	if req.Offset < 0 {
		return fmt.Errorf("sdhci: cmd%d: negative offset: %w", req.Cmd, ErrInvalidArgs)
	}
	if req.Flags&CmdDMA != 0 {
		if n := pageCount(req.Offset, req.length(), c.pageSize); n > maxDescriptors {
			return fmt.Errorf("sdhci: cmd%d: transfer spans %d pages: %w", req.Cmd, n, ErrInvalidArgs)
		}
	} else {
		if req.BlockSize%4 != 0 {
			return fmt.Errorf("sdhci: cmd%d: block size %d not a multiple of 4: %w", req.Cmd, req.BlockSize, ErrInvalidArgs)
		}
		if req.isTuning() && req.Buf == nil {
			return nil
		}
	}
	if req.Offset+req.length() > len(req.Buf) {
		return fmt.Errorf("sdhci: cmd%d: %d byte transfer exceeds buffer: %w", req.Cmd, req.length(), ErrInvalidArgs)
	}
	return nil
}

// startLocked programs the controller for req and issues it. It
// returns the channel closed on completion.
func (c *Controller) startLocked(req *Request) (chan struct{}, error) {
	tm, cmd := prepareCommand(req.Cmd, req.Flags)
	dma := tm.dmaEnable()
	if dma && !c.info.Caps.Has(CapDMA) {
		return nil, fmt.Errorf("sdhci: cmd%d: dma: %w", req.Cmd, ErrNotSupported)
	}
	if err := c.validate(req); err != nil {
		return nil, err
	}
	inhibit := presentState(0b1 << ps_cmd_inhibit)
	if req.Flags&Resp48Busy != 0 && !req.isAbort() {
		inhibit |= 0b1 << ps_cmd_inhibit_dat
	}
	if !c.poll(inhibitWaitTime, func() bool { return readPresentState(c.regs)&inhibit == 0 }) {
		return nil, fmt.Errorf("sdhci: cmd%d: inhibit: %w", req.Cmd, ErrTimeout)
	}
	if req.hasData() && dma {
		if err := c.buildDMA(req); err != nil {
			return nil, err
		}
	}
	c.regs.Write16(regBlockSize, req.BlockSize)
	c.regs.Write16(regBlockCount, req.BlockCount)
	c.regs.Write32(regArgument, req.Arg)

	// Clear stale events before enabling them.
	c.regs.Write32(regInterruptStatus, c.regs.Read32(regInterruptSignalEnable))
	c.enableInterruptsLocked()

	c.debug("issue",
		slog.Int("cmd", int(req.Cmd)),
		slog.Uint64("arg", uint64(req.Arg)),
		slog.Uint64("flags", uint64(req.Flags)),
		slog.Int("blocksize", int(req.BlockSize)),
		slog.Int("blockcount", int(req.BlockCount)))
	tm.commit(c.regs)
	cmd.commit(c.regs)
	// Busy responses signal the end of busy with transfer complete.
	return c.slots.issue(req, req.hasData() || req.Flags&Resp48Busy != 0), nil
}

// unpin releases the DMA pin of req, if any. The pin is released even
// if the final cache maintenance fails.
func (c *Controller) unpin(req *Request) error {
	if req.pin == 0 {
		return nil
	}
	var err error
	if req.Flags&CmdRead != 0 {
		if cerr := c.dma.CacheOp(CacheCleanInvalidate, req.dmaBuffer(c.pageSize)); cerr != nil {
			err = fmt.Errorf("sdhci: cache: %w", cerr)
		}
	}
	h := req.pin
	req.pin = 0
	if uerr := c.dma.Unpin(h); uerr != nil {
		err = errors.Join(err, fmt.Errorf("sdhci: unpin: %w", uerr))
	}
	return err
}

// finish releases the resources of a completed request. It runs
// without the lock.
func (c *Controller) finish(req *Request) error {
	if err := c.unpin(req); err != nil {
		return err
	}
	if req.isAbort() {
		// Aborts discard the data buffered in the controller.
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.resetLocked(0b1<<rst_cmd | 0b1<<rst_dat)
	}
	return nil
}

// Request issues req and waits for it to complete. It returns ErrBusy
// without side effects if another request is in flight.
func (c *Controller) Request(req *Request) error {
	c.mu.Lock()
	if !c.slots.idle() {
		c.mu.Unlock()
		return ErrBusy
	}
	req.Status = nil
	req.Response = [4]uint32{}
	done, err := c.startLocked(req)
	c.mu.Unlock()
	if err != nil {
		req.Status = err
		if uerr := c.unpin(req); uerr != nil {
			c.logerr("request", slog.Any("err", uerr))
		}
		return err
	}
	<-done
	if err := c.finish(req); err != nil {
		return err
	}
	if req.isAbort() {
		return nil
	}
	return req.Status
}

// poll calls done until it returns true or timeout expires.
func (c *Controller) poll(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// resetLocked resets the controller parts in mask and waits for the
// reset to finish.
func (c *Controller) resetLocked(mask softwareReset) error {
	(readSoftwareReset(c.regs) | mask).commit(c.regs)
	return c.waitResetLocked(mask)
}

func (c *Controller) waitResetLocked(mask softwareReset) error {
	if !c.poll(resetTime, func() bool { return readSoftwareReset(c.regs)&mask == 0 }) {
		return fmt.Errorf("sdhci: reset %#x: %w", uint8(mask), ErrTimeout)
	}
	return nil
}
