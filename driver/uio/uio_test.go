//go:build linux

package uio

import (
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
	"sdhci.dev/driver/sdhci"
)

// socketDevice returns a device backed by one end of a socket pair
// and the other end for playing the kernel.
func socketDevice(t *testing.T) (*Device, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	d, err := newDevice(fds[0])
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		d.Close()
		unix.Close(fds[1])
	})
	return d, fds[1]
}

func TestWait(t *testing.T) {
	d, kernel := socketDevice(t)
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 7)
	if _, err := unix.Write(kernel, buf[:]); err != nil {
		t.Fatal(err)
	}
	if err := d.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := d.Count(); n != 7 {
		t.Errorf("count %d, want 7", n)
	}
	if _, err := unix.Read(kernel, buf[:]); err != nil {
		t.Fatal(err)
	}
	if v := binary.NativeEndian.Uint32(buf[:]); v != 1 {
		t.Errorf("unmask wrote %d, want 1", v)
	}
}

func TestDestroy(t *testing.T) {
	d, _ := socketDevice(t)
	errc := make(chan error, 1)
	go func() { errc <- d.Wait() }()
	if err := d.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; !errors.Is(err, sdhci.ErrCanceled) {
		t.Errorf("wait: got %v, want %v", err, sdhci.ErrCanceled)
	}
	if err := d.Wait(); !errors.Is(err, sdhci.ErrCanceled) {
		t.Errorf("wait after destroy: got %v, want %v", err, sdhci.ErrCanceled)
	}
}
