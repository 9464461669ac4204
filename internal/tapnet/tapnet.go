// Package tapnet opens a host TAP interface for the virtio-net device:
// the /dev/net/tun clone device, configured via the TUNSETIFF ioctl for
// IFF_TAP|IFF_NO_PI framing, non-blocking so the RX thread can poll it
// with a timeout instead of blocking a dedicated goroutine forever.
//
// Grounded on netdev.c's tap_net_ctx setup (open/ioctl/poll sequence),
// expressed with golang.org/x/sys/unix in place of the raw syscalls.
package tapnet

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifnamsize = 16

	iffTap   = 0x0002
	iffNoPI  = 0x1000
	tunSetIF = 0x400454ca // TUNSETIFF, per linux/if_tun.h

	// PollTimeout bounds how long the RX thread blocks in one poll(2)
	// call before re-checking its quit flag, per spec §4.5.
	PollTimeout = 300
)

// ErrClosed is returned by ReadFrame when a read returns zero bytes.
var ErrClosed = errors.New("tapnet: endpoint closed")

// Endpoint is an open TAP interface exchanging raw Ethernet frames.
type Endpoint struct {
	fd     int
	Name   string
	closed bool
}

// Open creates (or attaches to) a TAP interface. name may be empty to let
// the kernel assign one; the assigned name is reported in Endpoint.Name.
func Open(name string) (*Endpoint, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("tapnet: opening /dev/net/tun: %w", err)
	}

	var ifr [40]byte

	copy(ifr[:ifnamsize], name)

	flags := uint16(iffTap | iffNoPI)
	ifr[ifnamsize] = byte(flags)
	ifr[ifnamsize+1] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), tunSetIF, uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("tapnet: TUNSETIFF: %w", errno)
	}

	assigned := string(ifr[:ifnamsize])
	if i := indexByte(assigned, 0); i >= 0 {
		assigned = assigned[:i]
	}

	return &Endpoint{fd: fd, Name: assigned}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

// PollReadable blocks up to PollTimeout ms for the TAP fd to become
// readable. It returns false on timeout, true if data is ready.
func (e *Endpoint) PollReadable() (bool, error) {
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, PollTimeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}

		return false, err
	}

	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// ReadFrame reads one Ethernet frame. It returns (nil, nil) on EAGAIN,
// signaling the caller to stop draining for this readiness event.
func (e *Endpoint) ReadFrame(buf []byte) ([]byte, error) {
	n, err := unix.Read(e.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}

		return nil, err
	}

	if n == 0 {
		return nil, ErrClosed
	}

	return buf[:n], nil
}

// Write sends one Ethernet frame to the TAP interface.
func (e *Endpoint) Write(buf []byte) error {
	_, err := unix.Write(e.fd, buf)

	return err
}

// Close releases the TAP file descriptor.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	return unix.Close(e.fd)
}
