package sdhci

// Quirks is a set of controller deviations from the standard.
type Quirks uint32

const (
	// QuirkStripResponseCRC shifts 136-bit responses left by 8 bits
	// and reverses the word order.
	QuirkStripResponseCRC Quirks = 1 << iota
	// QuirkStripResponseCRCPreserveOrder shifts 136-bit responses left
	// by 8 bits, keeping the word order.
	QuirkStripResponseCRCPreserveOrder
	// QuirkUseDMABoundaryAlignment splits descriptors that cross
	// Config.DMABoundaryAlignment.
	QuirkUseDMABoundaryAlignment
	// QuirkNoDMA disables DMA even if the controller supports it.
	QuirkNoDMA
	// QuirkNoDDR disables DDR50 and the DDR bus timings.
	QuirkNoDDR
	// QuirkNonStandardTuning disables the timings that need tuning
	// through the standard procedure.
	QuirkNonStandardTuning
)

func (q Quirks) has(x Quirks) bool {
	return q&x != 0
}

var quirkNames = []struct {
	q    Quirks
	name string
}{
	{QuirkStripResponseCRC, "strip-response-crc"},
	{QuirkStripResponseCRCPreserveOrder, "strip-response-crc-preserve-order"},
	{QuirkUseDMABoundaryAlignment, "dma-boundary-alignment"},
	{QuirkNoDMA, "no-dma"},
	{QuirkNoDDR, "no-ddr"},
	{QuirkNonStandardTuning, "non-standard-tuning"},
}

// ParseQuirk returns the quirk named s, as printed by Quirks.String.
func ParseQuirk(s string) (Quirks, bool) {
	for _, n := range quirkNames {
		if n.name == s {
			return n.q, true
		}
	}
	return 0, false
}

func (q Quirks) String() string {
	var s string
	for _, n := range quirkNames {
		if q.has(n.q) {
			if s != "" {
				s += ","
			}
			s += n.name
		}
	}
	return s
}
