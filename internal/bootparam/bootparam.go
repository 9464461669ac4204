// Package bootparam builds the Linux x86 boot-protocol "zeropage" (struct
// boot_params) and parses just enough of a bzImage's setup header to load
// it, per the Linux kernel boot protocol documented in
// Documentation/arch/x86/boot.rst.
package bootparam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Guest memory layout, per spec §6.
const (
	BootParamAddr = 0x10000
	CmdlineAddr   = 0x20000
	KernelAddr    = 0x100000
	InitrdAddr    = 0x0C000000

	// MinKernelSize and MaxKernelSize bound what ParseHeader will accept.
	MinKernelSize = 128 * 1024
	MaxKernelSize = 190 * 1024 * 1024
)

// E820 region types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// setup_header field offsets within struct boot_params (the "zeropage"),
// per the documented Linux boot protocol.
const (
	offSetupSects   = 0x1F1
	offVidMode      = 0x1FA
	offBootFlag     = 0x1FE
	offHeaderMagic  = 0x202
	offTypeOfLoader = 0x210
	offLoadFlags    = 0x211
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21C
	offHeapEndPtr   = 0x224
	offExtLoaderVer = 0x226
	offCmdlinePtr   = 0x228
	offCmdlineSize  = 0x238

	offE820Entries = 0x1E8
	offE820Table   = 0x2D0
	e820EntrySize  = 20

	bootFlagMagic   = 0xAA55
	headerMagicHdrS = 0x53726448 // "HdrS"
)

// Load flag bits for setup_header.loadflags.
const (
	LoadedHigh    = 1 << 0
	KeepSegments  = 1 << 6
	CanUseHeap    = 1 << 7
)

// ErrBadKernelSize is returned when a kernel image falls outside
// [MinKernelSize, MaxKernelSize).
var ErrBadKernelSize = errors.New("bootparam: kernel image size out of bounds")

// ErrBadBootFlag is returned when the kernel image lacks the 0xAA55 boot
// sector signature.
var ErrBadBootFlag = errors.New("bootparam: missing boot sector signature")

// Header holds the subset of the kernel's own setup_header this loader
// needs: the number of 512-byte setup sectors preceding the protected-mode
// kernel image.
type Header struct {
	SetupSects uint8
}

// ParseHeader reads a kernel image's setup header far enough to learn
// SetupSects, validating the boot-sector magic and the overall image size.
func ParseHeader(kernel io.ReaderAt, size int64) (Header, error) {
	if size < MinKernelSize || size >= MaxKernelSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrBadKernelSize, size)
	}

	buf := make([]byte, 1024)
	if _, err := kernel.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return Header{}, fmt.Errorf("bootparam: reading setup header: %w", err)
	}

	if binary.LittleEndian.Uint16(buf[offBootFlag:]) != bootFlagMagic {
		return Header{}, ErrBadBootFlag
	}

	sects := buf[offSetupSects]
	if sects == 0 {
		sects = 4 // historical default per the boot protocol
	}

	return Header{SetupSects: sects}, nil
}

// KernelOffset returns the byte offset of the protected-mode kernel image
// within the bzImage file.
func (h Header) KernelOffset() int64 {
	return int64(h.SetupSects+1) * 512
}

// ZeroPage builds the 4 KiB struct boot_params block, including the E820
// table and the setup_header fields this loader populates (§6 Boot
// protocol). cmdlineLen is the length of the NUL-terminated command line
// already written at CmdlineAddr; initrdSize is 0 if there is no initrd.
func ZeroPage(h Header, memSize uint64, cmdlineLen int, initrdSize uint32) []byte {
	buf := make([]byte, 4096)

	e820 := []struct {
		addr, size uint64
		typ        uint32
	}{
		{0, 0xA0000, E820Ram},
		{KernelAddr, memSize - KernelAddr, E820Ram},
	}

	buf[offE820Entries] = uint8(len(e820))
	for i, e := range e820 {
		off := offE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.addr)
		binary.LittleEndian.PutUint64(buf[off+8:], e.size)
		binary.LittleEndian.PutUint32(buf[off+16:], e.typ)
	}

	buf[offSetupSects] = h.SetupSects
	binary.LittleEndian.PutUint16(buf[offVidMode:], 0xFFFF) // proto ALL: "normal"
	binary.LittleEndian.PutUint16(buf[offBootFlag:], bootFlagMagic)
	binary.LittleEndian.PutUint32(buf[offHeaderMagic:], headerMagicHdrS)
	buf[offTypeOfLoader] = 0xFF // proto 2.00+: unknown/other loader
	buf[offLoadFlags] |= LoadedHigh | KeepSegments | CanUseHeap
	binary.LittleEndian.PutUint32(buf[offRamdiskImage:], InitrdAddr)
	binary.LittleEndian.PutUint32(buf[offRamdiskSize:], initrdSize)
	binary.LittleEndian.PutUint16(buf[offHeapEndPtr:], 0xFE00)
	buf[offExtLoaderVer] = 0
	binary.LittleEndian.PutUint32(buf[offCmdlinePtr:], CmdlineAddr)
	binary.LittleEndian.PutUint32(buf[offCmdlineSize:], uint32(cmdlineLen+1))

	return buf
}
