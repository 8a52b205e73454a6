//go:build linux

// Package uio delivers controller interrupts through a Linux userspace
// I/O device such as /dev/uio0.
package uio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"sdhci.dev/driver/sdhci"
)

// Device is an interrupt line served by a UIO device. It implements
// sdhci.Interrupt.
type Device struct {
	fd     int
	cancel int
	count  uint32
}

func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: open %s: %w", path, err)
	}
	d, err := newDevice(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func newDevice(fd int) (*Device, error) {
	cancel, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("uio: eventfd: %w", err)
	}
	return &Device{fd: fd, cancel: cancel}, nil
}

// Wait unmasks the interrupt and blocks until it fires or Destroy is
// called.
func (d *Device) Wait() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return fmt.Errorf("uio: unmask: %w", err)
	}
	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.cancel), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("uio: poll: %w", err)
		}
		break
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		return sdhci.ErrCanceled
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return fmt.Errorf("uio: device error (revents %#x)", fds[0].Revents)
	}
	if _, err := unix.Read(d.fd, buf[:]); err != nil {
		return fmt.Errorf("uio: read: %w", err)
	}
	d.count = binary.NativeEndian.Uint32(buf[:])
	return nil
}

// Count returns the interrupt count reported by the last Wait.
func (d *Device) Count() uint32 {
	return d.count
}

// Destroy makes current and future calls to Wait return
// sdhci.ErrCanceled.
func (d *Device) Destroy() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.cancel, buf[:]); err != nil {
		return fmt.Errorf("uio: cancel: %w", err)
	}
	return nil
}

// Close releases the device. Wait must not be running.
func (d *Device) Close() error {
	return errors.Join(unix.Close(d.fd), unix.Close(d.cancel))
}
