package sdhci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Direction is the direction of device access to pinned memory.
type Direction int

const (
	// DeviceReads pins memory the controller reads, for writes to
	// the card.
	DeviceReads Direction = iota
	// DeviceWrites pins memory the controller writes, for reads from
	// the card.
	DeviceWrites
)

// CacheOp is a data cache maintenance operation.
type CacheOp int

const (
	// CacheClean writes dirty lines back to memory.
	CacheClean CacheOp = iota
	// CacheCleanInvalidate writes dirty lines back and discards them.
	CacheCleanInvalidate
)

// PinHandle identifies a pinned buffer. The zero handle is invalid.
type PinHandle uint64

// DMA is the capability to make memory visible to the controller.
type DMA interface {
	// Pin pins the pages spanned by buf for device access and returns
	// their physical addresses in order. buf starts on a page
	// boundary.
	Pin(dir Direction, buf []byte) ([]uint64, PinHandle, error)
	Unpin(h PinHandle) error
	CacheOp(op CacheOp, buf []byte) error
	// AllocContiguous allocates physically contiguous memory.
	AllocContiguous(size int) (Memory, error)
	// ReleaseQuarantine releases pins left over by a previous owner of
	// the controller.
	ReleaseQuarantine() error
}

// Memory is a physically contiguous allocation.
type Memory interface {
	Bytes() []byte
	PhysAddr() uint64
	Close() error
}

const (
	// maxDescriptors bounds both the descriptor chain and the number
	// of pages in a transfer.
	maxDescriptors = 512
	// maxDescriptorLength is the largest segment a single descriptor
	// moves. It is encoded as length 0.
	maxDescriptorLength = 64 * 1024

	descriptorSize32 = 8
	descriptorSize64 = 12

	// Descriptor attribute bits.
	desc_valid = 0
	desc_end   = 1
	desc_act   = 4 // 2 bits.

	descActTransfer = 0b10
)

// descriptor is one ADMA2 transfer descriptor.
type descriptor struct {
	addr   uint64
	length int
	attr   uint16
}

func (d descriptor) end() bool { return bit(d.attr, desc_end) }

type chainOptions struct {
	pageSize int
	// boundary, if non-zero, is an alignment no descriptor may
	// straddle.
	boundary uint64
	// addr64 selects 64-bit descriptor addressing.
	addr64 bool
}

// phys is a physically contiguous run of a transfer.
type phys struct {
	addr   uint64
	length int
}

// physRuns walks length bytes starting offset bytes into the first of
// pages, merging physically adjacent pages into runs of at most
// maxDescriptorLength bytes.
func physRuns(pages []uint64, pageSize, offset, length int) []phys {
	var runs []phys
	var cur phys
	for i := 0; length > 0 && i < len(pages); i++ {
		addr := pages[i] + uint64(offset)
		n := min(pageSize-offset, length)
		offset = 0
		length -= n
		for n > 0 {
			if cur.length > 0 && cur.addr+uint64(cur.length) == addr && cur.length < maxDescriptorLength {
				take := min(n, maxDescriptorLength-cur.length)
				cur.length += take
				addr += uint64(take)
				n -= take
				continue
			}
			if cur.length > 0 {
				runs = append(runs, cur)
			}
			take := min(n, maxDescriptorLength)
			cur = phys{addr: addr, length: take}
			addr += uint64(take)
			n -= take
		}
	}
	if cur.length > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// buildDescriptors returns the descriptor chain for length bytes
// starting at offset within the first of pages.
func buildDescriptors(pages []uint64, offset, length int, opts chainOptions) ([]descriptor, error) {
	limit := uint64(1)<<32 - 1
	if opts.addr64 {
		limit = ^uint64(0)
	}
	var descs []descriptor
	for _, r := range physRuns(pages, opts.pageSize, offset, length) {
		addr, rem := r.addr, r.length
		for rem > 0 {
			n := rem
			if b := opts.boundary; b != 0 {
				start := addr / b * b
				end := (addr + uint64(n) - 1) / b * b
				if start != end {
					n = int(start + b - addr)
				}
			}
			if addr > limit || addr+uint64(n)-1 > limit {
				return nil, fmt.Errorf("sdhci: descriptor address %#x: %w", addr, ErrNotSupported)
			}
			if len(descs) == maxDescriptors {
				return nil, fmt.Errorf("sdhci: more than %d descriptors: %w", maxDescriptors, ErrNotSupported)
			}
			descs = append(descs, descriptor{
				addr:   addr,
				length: n,
				attr:   0b1<<desc_valid | descActTransfer<<desc_act,
			})
			addr += uint64(n)
			rem -= n
		}
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("sdhci: empty descriptor chain: %w", ErrNotSupported)
	}
	descs[len(descs)-1].attr |= 0b1 << desc_end
	return descs, nil
}

// encodeDescriptors writes descs in the 32-bit or 64-bit ADMA2 format
// and returns the number of bytes used.
func encodeDescriptors(buf []byte, descs []descriptor, addr64 bool) (int, error) {
	size := descriptorSize32
	if addr64 {
		size = descriptorSize64
	}
	if len(descs)*size > len(buf) {
		return 0, fmt.Errorf("sdhci: descriptor buffer too small: %w", ErrInternal)
	}
	off := 0
	for _, d := range descs {
		if d.length <= 0 || d.length > maxDescriptorLength {
			panic("sdhci: descriptor length out of range")
		}
		e := buf[off : off+size]
		binary.LittleEndian.PutUint16(e[0:], d.attr)
		// 65536 truncates to 0.
		binary.LittleEndian.PutUint16(e[2:], uint16(d.length))
		if addr64 {
			binary.LittleEndian.PutUint64(e[4:], d.addr)
		} else {
			if d.addr > 0xffff_ffff {
				return 0, fmt.Errorf("sdhci: descriptor address %#x: %w", d.addr, ErrNotSupported)
			}
			binary.LittleEndian.PutUint32(e[4:], uint32(d.addr))
		}
		off += size
	}
	return off, nil
}

// pageCount returns the number of pages spanned by length bytes at
// offset.
func pageCount(offset, length, pageSize int) int {
	mask := pageSize - 1
	return ((offset & mask) + length + mask) / pageSize
}

// dmaBuffer returns the page aligned part of the request buffer that
// the transfer touches.
func (r *Request) dmaBuffer(pageSize int) []byte {
	start := r.Offset &^ (pageSize - 1)
	return r.Buf[start : r.Offset+r.length()]
}

// buildDMA pins the request buffer, builds and installs its
// descriptor chain. On error, any pin is left in req for finish to
// release.
func (c *Controller) buildDMA(req *Request) error {
	length := req.length()
	dir := DeviceReads
	op := CacheClean
	if req.Flags&CmdRead != 0 {
		dir = DeviceWrites
		op = CacheCleanInvalidate
	}
	buf := req.dmaBuffer(c.pageSize)
	pages, h, err := c.dma.Pin(dir, buf)
	if err != nil {
		return fmt.Errorf("sdhci: pin: %w", err)
	}
	req.pin = h
	if n := pageCount(req.Offset, length, c.pageSize); len(pages) < n {
		return fmt.Errorf("sdhci: pinned %d pages, need %d: %w", len(pages), n, ErrInternal)
	}
	if err := c.dma.CacheOp(op, buf); err != nil {
		return fmt.Errorf("sdhci: cache: %w", err)
	}
	opts := chainOptions{pageSize: c.pageSize, addr64: c.addr64}
	if c.quirks.has(QuirkUseDMABoundaryAlignment) {
		opts.boundary = c.boundaryAlignment
	}
	descs, err := buildDescriptors(pages, req.Offset&(c.pageSize-1), length, opts)
	if err != nil {
		return err
	}
	mem := c.descs.Bytes()
	n, err := encodeDescriptors(mem, descs, c.addr64)
	if err != nil {
		return err
	}
	if c.traceEnabled() {
		for i, d := range descs {
			c.trace("descriptor", slog.Int("index", i), slog.Uint64("addr", d.addr),
				slog.Int("length", d.length), slog.Uint64("attr", uint64(d.attr)))
		}
	}
	if err := c.dma.CacheOp(CacheClean, mem[:n]); err != nil {
		return fmt.Errorf("sdhci: cache descriptors: %w", err)
	}
	addr := c.descs.PhysAddr()
	c.regs.Write32(regADMAAddress0, uint32(addr))
	c.regs.Write32(regADMAAddress1, uint32(addr>>32))
	return nil
}
