package sdhci

import (
	"fmt"
	"log/slog"
)

// maxTuningCount bounds the number of tuning blocks sent.
const maxTuningCount = 40

// PerformTuning runs the standard tuning procedure with the tuning
// command cmd, CmdSendTuningBlockSD or CmdSendTuningBlockMMC.
func (c *Controller) PerformTuning(cmd uint8) error {
	c.mu.Lock()
	blockSize := uint16(64)
	if readHostControl1(c.regs).extendedDataWidth() {
		blockSize = 128
	}
	ctrl2 := readHostControl2(c.regs).withExecuteTuning(true)
	ctrl2.commit(c.regs)
	c.mu.Unlock()

	count := 0
	for ; count < maxTuningCount && ctrl2.executeTuning(); count++ {
		req := &Request{
			Cmd:        cmd,
			Flags:      TuningFlags,
			BlockSize:  blockSize,
			BlockCount: 1,
		}
		if err := c.Request(req); err != nil {
			return fmt.Errorf("sdhci: tuning: %w", err)
		}
		c.mu.Lock()
		ctrl2 = readHostControl2(c.regs)
		c.mu.Unlock()
	}
	c.mu.Lock()
	ctrl2 = readHostControl2(c.regs)
	c.mu.Unlock()
	if ctrl2.executeTuning() || !ctrl2.useTunedClock() {
		return fmt.Errorf("sdhci: tuning failed after %d blocks: %w", count, ErrIO)
	}
	c.debug("tuned", slog.Int("blocks", count))
	return nil
}
