package sdhci

import (
	"errors"
	"testing"
)

func TestSlots(t *testing.T) {
	var s slots
	if !s.idle() || s.cmd() != nil || s.data() != nil {
		t.Fatal("zero slots not idle")
	}
	req := new(Request)
	done := s.issue(req, true)
	if s.cmd() != req || s.data() != req {
		t.Fatal("issued request not in both slots")
	}
	s.clearCmd()
	if s.cmd() != nil || s.data() != req {
		t.Fatal("command slot not cleared")
	}
	select {
	case <-done:
		t.Fatal("signaled before completion")
	default:
	}
	s.complete(ErrIO)
	<-done
	if !errors.Is(req.Status, ErrIO) {
		t.Errorf("status %v, want %v", req.Status, ErrIO)
	}
	if !s.idle() || s.req != nil || s.block != 0 || s.dataDone {
		t.Errorf("slots not reset after completion: %+v", s)
	}

	done = s.issue(req, false)
	if s.cmd() != req || s.data() != nil {
		t.Fatal("command-only request occupies the data slot")
	}
	s.complete(nil)
	<-done
	if req.Status != nil {
		t.Errorf("status %v, want success", req.Status)
	}
}

func TestSlotsDoubleIssue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("second issue did not panic")
		}
	}()
	var s slots
	s.issue(new(Request), false)
	s.issue(new(Request), false)
}
