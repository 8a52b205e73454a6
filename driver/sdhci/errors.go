package sdhci

import "errors"

var (
	// ErrTimeout is returned when a bounded wait on a hardware
	// condition expires.
	ErrTimeout = errors.New("sdhci: timeout")
	// ErrInvalidArgs is returned for malformed requests or settings.
	ErrInvalidArgs = errors.New("sdhci: invalid arguments")
	// ErrIO is returned when the controller reports a command or data
	// error, or tuning fails.
	ErrIO = errors.New("sdhci: i/o error")
	// ErrNotSupported is returned for operations the controller or the
	// descriptor format cannot express.
	ErrNotSupported = errors.New("sdhci: not supported")
	// ErrBusy is returned by Request while another request is in flight.
	ErrBusy = errors.New("sdhci: busy")
	// ErrInternal is returned when the hardware does not behave as
	// programmed.
	ErrInternal = errors.New("sdhci: internal error")
	// ErrOutOfRange is returned for configuration values out of range.
	ErrOutOfRange = errors.New("sdhci: out of range")
	// ErrCanceled is returned by Interrupt.Wait after Destroy.
	ErrCanceled = errors.New("sdhci: canceled")
)
