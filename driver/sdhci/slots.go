package sdhci

type slotState uint8

const (
	slotsIdle slotState = iota
	slotsCmd
	slotsData
	slotsCmdAndData
)

// slots tracks the single in-flight request and which of its phases
// are still pending.
type slots struct {
	state slotState
	req   *Request
	done  chan struct{}
	// block is the next block to move through the buffer data port.
	block uint16
	// dataDone records a transfer complete seen before command
	// complete.
	dataDone bool
}

func (s *slots) idle() bool {
	return s.state == slotsIdle
}

// cmd returns the request whose command phase is pending, if any.
func (s *slots) cmd() *Request {
	if s.state == slotsCmd || s.state == slotsCmdAndData {
		return s.req
	}
	return nil
}

// data returns the request whose data phase is pending, if any.
func (s *slots) data() *Request {
	if s.state == slotsData || s.state == slotsCmdAndData {
		return s.req
	}
	return nil
}

// issue records req as in flight and returns its completion channel.
// withData reports whether the request also waits for a transfer
// complete.
func (s *slots) issue(req *Request, withData bool) chan struct{} {
	if s.state != slotsIdle {
		panic("sdhci: request issued while another is in flight")
	}
	s.req = req
	s.done = make(chan struct{})
	s.block = 0
	s.dataDone = false
	s.state = slotsCmd
	if withData {
		s.state = slotsCmdAndData
	}
	return s.done
}

// clearCmd marks the command phase finished, leaving the data phase
// pending.
func (s *slots) clearCmd() {
	if s.state != slotsCmdAndData {
		panic("sdhci: command phase cleared without a data phase")
	}
	s.state = slotsData
}

// complete records status, signals the waiter and empties the slots.
func (s *slots) complete(status error) *Request {
	req := s.req
	if req == nil {
		panic("sdhci: completion without a request")
	}
	req.Status = status
	close(s.done)
	*s = slots{}
	return req
}
