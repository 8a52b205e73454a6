//go:build !linux

package main

import "errors"

func openHardware(opts options) (*backend, error) {
	return nil, errors.New("hardware controllers are only supported on linux; use -sim")
}
