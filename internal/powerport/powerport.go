// Package powerport implements the host-facing power/command port (spec
// §4.8): guest-OUT of HALT to port 0x300 stops the VCPU loop, and
// guest-IN returns a pending command byte the host queues via Shutdown,
// which also pulses IRQ 5 to let the companion guest module notice it.
//
// Grounded on the guest-side contract in
// original_source/guest-module/mvvmm_guest.c (PORT 0x300, CMD_HALT=1,
// IRQ 5) — the host side of that protocol is not in the retrieved C
// sources, so this package implements exactly the contract spec §4.8
// describes against it.
package powerport

import "sync"

// CmdHalt is the only command byte this port understands, mirroring the
// guest module's CMD_HALT.
const CmdHalt = 1

// IRQLine is the subset of irq.Line Shutdown needs to notify the guest
// module of a pending command.
type IRQLine interface {
	Pulse() error
}

// Port is the one-byte command channel at I/O port 0x300.
type Port struct {
	mu      sync.Mutex
	pending byte
	irq     IRQLine
}

// New creates a power port that pulses line when the host requests
// shutdown.
func New(line IRQLine) *Port {
	return &Port{irq: line}
}

// Out handles a guest OUT to the port. A write of CmdHalt requests the
// VCPU loop to exit cleanly with that value as the exit code; any other
// value is accepted and ignored, since this port has no other guest-
// writable command in spec §4.8.
func (p *Port) Out(val byte) (haltRequested bool, code int) {
	if val == CmdHalt {
		return true, int(val)
	}

	return false, 0
}

// In handles a guest IN from the port, returning the host-queued pending
// command byte (0 if none is pending).
func (p *Port) In() byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pending
}

// Shutdown queues CmdHalt for the guest's companion module to observe on
// its next IN, and pulses IRQ 5 so an interrupt-driven guest module
// notices without polling.
func (p *Port) Shutdown() error {
	p.mu.Lock()
	p.pending = CmdHalt
	p.mu.Unlock()

	return p.irq.Pulse()
}
