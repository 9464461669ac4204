// Package guestmem implements the GuestRAM translation layer: a small
// ordered list of non-overlapping guest-physical-address ranges backed by
// host byte slices, with page-boundary-aware copies and little-endian
// accessors. It replaces the teacher's direct m.mem[addr:] slicing with a
// reviewed, bounds-checked indirection, per the DESIGN NOTES item on
// pointer-punning of guest memory.
package guestmem

import (
	"encoding/binary"
	"fmt"
)

const pageSize = 4096

// ErrFault is returned when a guest address or range does not fall
// entirely within a mapped region.
var ErrFault = fmt.Errorf("guestmem: address fault")

type region struct {
	guestAddr uint64
	size      uint64
	host      []byte
}

// GuestRAM is a linear-scan address space of guest-physical memory.
// Entries are expected to be few (1-3 in this hypervisor: low memory, the
// main RAM slot) so linear scan is the right tool, matching the data
// model's stated invariant.
type GuestRAM struct {
	regions []region
}

// New creates an empty GuestRAM.
func New() *GuestRAM {
	return &GuestRAM{}
}

// AddRegion registers a new non-overlapping range backed by host. It is the
// caller's responsibility to keep host alive and stable for the lifetime of
// the GuestRAM; GuestRAM neither copies nor releases host.
func (g *GuestRAM) AddRegion(guestAddr uint64, host []byte) error {
	size := uint64(len(host))
	for _, r := range g.regions {
		if guestAddr < r.guestAddr+r.size && r.guestAddr < guestAddr+size {
			return fmt.Errorf("guestmem: region [%#x,%#x) overlaps [%#x,%#x)",
				guestAddr, guestAddr+size, r.guestAddr, r.guestAddr+r.size)
		}
	}

	g.regions = append(g.regions, region{guestAddr: guestAddr, size: size, host: host})

	return nil
}

// Translate returns the host slice backing [gpa, gpa+len), or ErrFault if
// the range is not entirely contained in one registered region.
func (g *GuestRAM) Translate(gpa uint64, length int) ([]byte, error) {
	l := uint64(length)
	for _, r := range g.regions {
		if gpa >= r.guestAddr && gpa+l <= r.guestAddr+r.size {
			off := gpa - r.guestAddr

			return r.host[off : off+l], nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x,%#x)", ErrFault, gpa, gpa+l)
}

// ReadAt copies len(p) bytes from guest address gpa into p, splitting the
// copy at 4 KiB page boundaries so a caller can reason about partial-page
// faults the same way the host kernel would. Since all registered regions
// in this hypervisor are contiguous host slices, a page split only changes
// how the copy is chunked, not its correctness; the boundary-aware path
// exists so future non-contiguous-per-page regions do not require callers
// to change.
func (g *GuestRAM) ReadAt(p []byte, gpa uint64) (int, error) {
	return g.copyAt(p, gpa, false)
}

// WriteAt copies len(p) bytes from p into guest address gpa, split at 4 KiB
// boundaries.
func (g *GuestRAM) WriteAt(p []byte, gpa uint64) (int, error) {
	return g.copyAt(p, gpa, true)
}

func (g *GuestRAM) copyAt(p []byte, gpa uint64, toGuest bool) (int, error) {
	n := 0
	for n < len(p) {
		chunk := pageSize - int(gpa%pageSize)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		host, err := g.Translate(gpa, chunk)
		if err != nil {
			return n, err
		}

		if toGuest {
			copy(host, p[n:n+chunk])
		} else {
			copy(p[n:n+chunk], host)
		}

		n += chunk
		gpa += uint64(chunk)
	}

	return n, nil
}

// Read8 reads one byte at gpa.
func (g *GuestRAM) Read8(gpa uint64) (uint8, error) {
	host, err := g.Translate(gpa, 1)
	if err != nil {
		return 0, err
	}

	return host[0], nil
}

// Write8 writes one byte at gpa.
func (g *GuestRAM) Write8(gpa uint64, v uint8) error {
	host, err := g.Translate(gpa, 1)
	if err != nil {
		return err
	}

	host[0] = v

	return nil
}

// Read16 reads a little-endian uint16 at gpa.
func (g *GuestRAM) Read16(gpa uint64) (uint16, error) {
	host, err := g.Translate(gpa, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(host), nil
}

// Write16 writes a little-endian uint16 at gpa.
func (g *GuestRAM) Write16(gpa uint64, v uint16) error {
	host, err := g.Translate(gpa, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(host, v)

	return nil
}

// Read32 reads a little-endian uint32 at gpa.
func (g *GuestRAM) Read32(gpa uint64) (uint32, error) {
	host, err := g.Translate(gpa, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(host), nil
}

// Write32 writes a little-endian uint32 at gpa.
func (g *GuestRAM) Write32(gpa uint64, v uint32) error {
	host, err := g.Translate(gpa, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(host, v)

	return nil
}

// Read64 reads a little-endian uint64 at gpa.
func (g *GuestRAM) Read64(gpa uint64) (uint64, error) {
	host, err := g.Translate(gpa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(host), nil
}

// Write64 writes a little-endian uint64 at gpa.
func (g *GuestRAM) Write64(gpa uint64, v uint64) error {
	host, err := g.Translate(gpa, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(host, v)

	return nil
}
