// Package cmdline parses and validates mvvm's CLI arguments (spec §6)
// and builds the guest kernel command line, augmented with the
// virtio_mmio.device= stanzas a disk or TAP attachment requires.
//
// Grounded on the teacher's flag-parsing call site in main.go
// (ParseArgs returning kernel/initrd/params/tap/disk/nCpus), reworked
// onto github.com/spf13/pflag for GNU-style long options per AMBIENT
// STACK while keeping the short forms spec.md's CLI table specifies.
package cmdline

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// DefaultCmdline is the kernel command line used when -a is not given.
const DefaultCmdline = "console=ttyS0 debug"

const defaultMemSize = 1 << 30 // 1 GiB

// Block/net MMIO placement, per spec §6's guest memory map. These are
// the same addresses/IRQs internal/vcpurun dispatches on.
const (
	BlockMMIOBase = 1024 << 30 // phys_addr>>30 == 1024, per spec §4.1
	BlockIRQ      = 10

	NetMMIOBase = 1025 << 30 // phys_addr>>30 == 1025, per spec §4.1
	NetIRQ      = 11
)

// blockCmdlineStanza and netCmdlineStanza are appended to the kernel
// command line when a disk or TAP device is attached, per spec §6.
const (
	blockCmdlineStanza = "virtio_mmio.device=4K@0x10000000000:10"
	netCmdlineStanza   = "virtio_mmio.device=4K@0x10040000000:11"
)

// ErrUsage is returned when -h was given or argument parsing otherwise
// only needs a usage message printed, not a hard error.
var ErrUsage = errors.New("cmdline: usage requested")

// Config is the fully parsed and validated set of CLI arguments.
type Config struct {
	KernelPath string
	InitrdPath string
	MemSize    uint64
	DiskPath   string
	TapName    string
	Cmdline    string
}

// Parse parses args (excluding the program name) and validates them per
// spec §6: -k is required, -m accepts a K/M/G suffix and base-0 integer
// parsing, and the effective kernel command line is built (but not yet
// augmented with the device stanzas — call Config.GuestCmdline for
// that, since it depends on whether DiskPath/TapName are set).
func Parse(args []string, usage io.Writer) (Config, error) {
	fs := pflag.NewFlagSet("mvvm", pflag.ContinueOnError)
	fs.SetOutput(usage)

	kernel := fs.StringP("kernel", "k", "", "kernel bzImage path (required)")
	initrd := fs.StringP("initrd", "i", "", "initramfs path")
	memStr := fs.StringP("mem", "m", "1G", "memory size, e.g. 256M, 0x40000000")
	disk := fs.StringP("disk", "d", "", "disk image path (attaches virtio-blk)")
	tap := fs.StringP("tap", "t", "", "TAP interface name (attaches virtio-net)")
	cmdlineArg := fs.StringP("append", "a", DefaultCmdline, "kernel command line")
	help := fs.BoolP("help", "h", false, "show usage")

	fs.Usage = func() {
		fmt.Fprintf(usage, "usage: mvvm -k VMLINUZ [-i INITRD] [-m SIZE] [-d DISK] [-t TAP] [-a CMDLINE]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, ErrUsage
		}

		return Config{}, err
	}

	if *help {
		fs.Usage()

		return Config{}, ErrUsage
	}

	if *kernel == "" {
		fs.Usage()

		return Config{}, fmt.Errorf("cmdline: -k/--kernel is required")
	}

	memSize, err := parseMemSize(*memStr)
	if err != nil {
		return Config{}, fmt.Errorf("cmdline: -m/--mem: %w", err)
	}

	return Config{
		KernelPath: *kernel,
		InitrdPath: *initrd,
		MemSize:    memSize,
		DiskPath:   *disk,
		TapName:    *tap,
		Cmdline:    *cmdlineArg,
	}, nil
}

// parseMemSize parses a size with an optional K/M/G suffix, the numeric
// part parsed with base 0 so 0x-prefixed and octal-looking values are
// accepted exactly as strconv.ParseUint(s, 0, 64) would, per spec §6.
func parseMemSize(s string) (uint64, error) {
	if s == "" {
		return defaultMemSize, nil
	}

	mult := uint64(1)
	last := s[len(s)-1]

	switch last {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	return n * mult, nil
}

// GuestCmdline returns the effective kernel command line, augmented with
// the virtio_mmio.device= stanza for each attached device, per spec §6.
func (c Config) GuestCmdline() string {
	parts := []string{c.Cmdline}

	if c.DiskPath != "" {
		parts = append(parts, blockCmdlineStanza)
	}

	if c.TapName != "" {
		parts = append(parts, netCmdlineStanza)
	}

	return strings.Join(parts, " ")
}
