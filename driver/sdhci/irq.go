package sdhci

import (
	"errors"
	"fmt"
	"log/slog"
)

// Interrupt is the controller interrupt line.
type Interrupt interface {
	// Wait blocks until the interrupt is asserted. It returns
	// ErrCanceled once Destroy is called.
	Wait() error
	Destroy() error
}

func (c *Controller) enableInterruptsLocked() {
	signal := normalInterrupts | errorInterrupts
	status := normalInterrupts | errorInterrupts
	if c.inBand != nil {
		signal |= cardInterrupt
		if !c.cardMasked {
			status |= cardInterrupt
		}
	}
	c.regs.Write32(regInterruptSignalEnable, uint32(signal))
	c.regs.Write32(regInterruptStatusEnable, uint32(status))
}

// disableInterruptsLocked disables every interrupt except the card
// interrupt.
func (c *Controller) disableInterruptsLocked() {
	var signal, status interrupts
	if c.inBand != nil {
		signal |= cardInterrupt
		if !c.cardMasked {
			status |= cardInterrupt
		}
	}
	c.regs.Write32(regInterruptSignalEnable, uint32(signal))
	c.regs.Write32(regInterruptStatusEnable, uint32(status))
}

// irqLoop acknowledges and dispatches interrupts until the interrupt
// is destroyed.
func (c *Controller) irqLoop() {
	defer close(c.irqDone)
	for {
		if err := c.irq.Wait(); err != nil {
			if !errors.Is(err, ErrCanceled) {
				c.logerr("interrupt wait", slog.Any("err", err))
			}
			return
		}
		irq := interrupts(c.regs.Read32(regInterruptStatus))
		c.regs.Write32(regInterruptStatus, uint32(irq))
		c.trace("interrupt", slog.Uint64("status", uint64(irq)))
		if cb := c.handleInterrupt(irq); cb != nil {
			cb()
		}
	}
}

// handleInterrupt dispatches the acknowledged events in irq. It
// returns the card interrupt callback to run, or nil.
func (c *Controller) handleInterrupt(irq interrupts) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if irq.commandComplete() {
		c.commandCompleteLocked()
	}
	if irq.bufferReadReady() {
		c.bufferReadReadyLocked()
	}
	if irq.bufferWriteReady() {
		c.bufferWriteReadyLocked()
	}
	if irq.transferComplete() {
		c.transferCompleteLocked()
	}
	if irq.errorInterrupt() {
		c.errorLocked(irq)
	}
	if irq.cardInterrupt() {
		// Masked until acknowledged by AckInBandInterrupt. Without a
		// callback the interrupt is replayed on registration.
		c.cardMasked = true
		en := interrupts(c.regs.Read32(regInterruptStatusEnable)) &^ cardInterrupt
		c.regs.Write32(regInterruptStatusEnable, uint32(en))
		return c.inBand
	}
	return nil
}

func (c *Controller) completeLocked(status error) {
	c.disableInterruptsLocked()
	req := c.slots.complete(status)
	c.debug("complete", slog.Int("cmd", int(req.Cmd)), slog.Any("err", status))
}

func (c *Controller) commandCompleteLocked() {
	req := c.slots.cmd()
	if req == nil {
		c.debug("spurious command complete")
		return
	}
	var raw [4]uint32
	switch {
	case req.Flags&Resp136 != 0:
		for i := range raw {
			raw[i] = c.regs.Read32(regResponse0 + uint32(i)*4)
		}
	case req.Flags&(Resp48|Resp48Busy) != 0:
		raw[0] = c.regs.Read32(regResponse0)
	}
	req.Response = assembleResponse(raw, req.Flags, c.quirks)
	if c.slots.data() == nil || c.slots.dataDone {
		c.completeLocked(nil)
		return
	}
	c.slots.clearCmd()
}

// assembleResponse orders the response register words according to
// the response length and quirks.
func assembleResponse(raw [4]uint32, f Flags, q Quirks) [4]uint32 {
	if f&Resp136 == 0 {
		return raw
	}
	switch {
	case q.has(QuirkStripResponseCRC):
		return [4]uint32{
			raw[3]<<8 | raw[2]>>24,
			raw[2]<<8 | raw[1]>>24,
			raw[1]<<8 | raw[0]>>24,
			raw[0] << 8,
		}
	case q.has(QuirkStripResponseCRCPreserveOrder):
		return [4]uint32{
			raw[0] << 8,
			raw[1]<<8 | raw[0]>>24,
			raw[2]<<8 | raw[1]>>24,
			raw[3]<<8 | raw[2]>>24,
		}
	}
	return raw
}

func (c *Controller) bufferReadReadyLocked() {
	req := c.slots.data()
	if req == nil || !req.hasData() || req.Flags&CmdRead == 0 {
		c.debug("spurious buffer read ready")
		return
	}
	if req.isTuning() {
		// The tuning block is consumed by the controller.
		c.completeLocked(nil)
		return
	}
	if c.slots.block >= req.BlockCount {
		c.debug("buffer read ready past the last block")
		return
	}
	off := req.Offset + int(c.slots.block)*int(req.BlockSize)
	blk := req.Buf[off : off+int(req.BlockSize)]
	for i := 0; i < len(blk); i += 4 {
		w := c.regs.Read32(regBufferData)
		blk[i] = byte(w)
		blk[i+1] = byte(w >> 8)
		blk[i+2] = byte(w >> 16)
		blk[i+3] = byte(w >> 24)
	}
	c.slots.block++
}

func (c *Controller) bufferWriteReadyLocked() {
	req := c.slots.data()
	if req == nil || !req.hasData() || req.Flags&CmdRead != 0 {
		c.debug("spurious buffer write ready")
		return
	}
	if c.slots.block >= req.BlockCount {
		c.debug("buffer write ready past the last block")
		return
	}
	off := req.Offset + int(c.slots.block)*int(req.BlockSize)
	blk := req.Buf[off : off+int(req.BlockSize)]
	for i := 0; i < len(blk); i += 4 {
		w := uint32(blk[i]) | uint32(blk[i+1])<<8 | uint32(blk[i+2])<<16 | uint32(blk[i+3])<<24
		c.regs.Write32(regBufferData, w)
	}
	c.slots.block++
}

func (c *Controller) transferCompleteLocked() {
	if c.slots.data() == nil {
		c.debug("spurious transfer complete")
		return
	}
	if c.slots.cmd() != nil {
		c.slots.dataDone = true
		return
	}
	c.completeLocked(nil)
}

func (c *Controller) errorLocked(irq interrupts) {
	c.debug("error interrupt", slog.Uint64("status", uint64(irq)))
	if irq.admaError() {
		c.debug("adma error",
			slog.Uint64("status", uint64(c.regs.Read32(regADMAErrorStatus)&admaErrorStatusMask)),
			slog.Uint64("addr", uint64(c.regs.Read32(regADMAAddress0))|uint64(c.regs.Read32(regADMAAddress1))<<32))
	}
	// Leave the controller ready for the next request.
	for _, r := range []softwareReset{0b1 << rst_cmd, 0b1 << rst_dat} {
		if err := c.resetLocked(r); err != nil {
			c.logerr("error reset", slog.Any("err", err))
		}
	}
	req := c.slots.req
	if req == nil {
		c.debug("spurious error interrupt")
		return
	}
	c.completeLocked(fmt.Errorf("sdhci: cmd%d: interrupt status %#08x: %w", req.Cmd, uint32(irq), ErrIO))
}
