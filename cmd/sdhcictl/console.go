package main

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

func openConsole(dev string, baud int) (io.WriteCloser, error) {
	s, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	return s, nil
}
