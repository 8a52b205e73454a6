//go:build linux

// Package physmem implements the sdhci register window and DMA
// interfaces on top of /dev/mem and the process page map. It requires
// root and assumes cache-coherent DMA.
package physmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"periph.io/x/host/v3/pmem"
	"sdhci.dev/driver/sdhci"
)

// Window is a memory-mapped controller register set.
type Window struct {
	view *pmem.View
	mem  []byte
}

// Map maps size bytes of registers at the physical address base.
func Map(base uint64, size int) (*Window, error) {
	if size < sdhci.RegisterSetSize {
		return nil, fmt.Errorf("physmem: register window of %d bytes too small", size)
	}
	v, err := pmem.Map(base, size)
	if err != nil {
		return nil, fmt.Errorf("physmem: map %#x: %w", base, err)
	}
	return &Window{view: v, mem: v.Bytes()}, nil
}

func (w *Window) Close() error {
	return w.view.Close()
}

func (w *Window) ptr(off uint32, size uint32) unsafe.Pointer {
	if off%size != 0 || int(off+size) > len(w.mem) {
		panic(fmt.Sprintf("physmem: register access %#x/%d out of range", off, size))
	}
	return unsafe.Pointer(&w.mem[off])
}

func (w *Window) Read8(off uint32) uint8   { return *(*uint8)(w.ptr(off, 1)) }
func (w *Window) Read16(off uint32) uint16 { return *(*uint16)(w.ptr(off, 2)) }
func (w *Window) Read32(off uint32) uint32 { return *(*uint32)(w.ptr(off, 4)) }

func (w *Window) Write8(off uint32, v uint8)   { *(*uint8)(w.ptr(off, 1)) = v }
func (w *Window) Write16(off uint32, v uint16) { *(*uint16)(w.ptr(off, 2)) = v }
func (w *Window) Write32(off uint32, v uint32) { *(*uint32)(w.ptr(off, 4)) = v }

// DMA pins buffers by locking them in memory and translating their
// pages through /proc/self/pagemap.
type DMA struct {
	pageSize int

	mu   sync.Mutex
	next sdhci.PinHandle
	pins map[sdhci.PinHandle][]byte
}

func NewDMA() *DMA {
	return &DMA{
		pageSize: os.Getpagesize(),
		next:     1,
		pins:     make(map[sdhci.PinHandle][]byte),
	}
}

// PageSize returns the system page size, for sdhci.Config.PageSize.
func (d *DMA) PageSize() int {
	return d.pageSize
}

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

func (d *DMA) Pin(dir sdhci.Direction, buf []byte) ([]uint64, sdhci.PinHandle, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("physmem: pin: %w", sdhci.ErrInvalidArgs)
	}
	start := uintptr(unsafe.Pointer(&buf[0]))
	if start%uintptr(d.pageSize) != 0 {
		return nil, 0, fmt.Errorf("physmem: pin: buffer at %#x not page aligned: %w", start, sdhci.ErrInvalidArgs)
	}
	// Locking faults the pages in.
	if err := unix.Mlock(buf); err != nil {
		return nil, 0, fmt.Errorf("physmem: mlock: %w", err)
	}
	var pages []uint64
	for off := 0; off < len(buf); off += d.pageSize {
		e, err := pmem.ReadPageMap(start + uintptr(off))
		if err == nil && e&pagemapPresent == 0 {
			err = errors.New("page not present")
		}
		if err != nil {
			unix.Munlock(buf)
			return nil, 0, fmt.Errorf("physmem: page map %#x: %w", start+uintptr(off), err)
		}
		pages = append(pages, (e&pagemapPFNMask)*uint64(d.pageSize))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.next
	d.next++
	d.pins[h] = buf
	return pages, h, nil
}

func (d *DMA) Unpin(h sdhci.PinHandle) error {
	d.mu.Lock()
	buf, ok := d.pins[h]
	delete(d.pins, h)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("physmem: unpin %d: unknown handle", h)
	}
	if err := unix.Munlock(buf); err != nil {
		return fmt.Errorf("physmem: munlock: %w", err)
	}
	return nil
}

// CacheOp is a no-op; the mapping is assumed coherent.
func (d *DMA) CacheOp(op sdhci.CacheOp, buf []byte) error {
	return nil
}

func (d *DMA) AllocContiguous(size int) (sdhci.Memory, error) {
	size = (size + d.pageSize - 1) &^ (d.pageSize - 1)
	m, err := pmem.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("physmem: alloc %d: %w", size, err)
	}
	return m, nil
}

// ReleaseQuarantine does nothing; memory of previous owners is not
// tracked.
func (d *DMA) ReleaseQuarantine() error {
	return nil
}
