// Package net implements the VIRTIO network device (spec §4.5): TX from
// guest to TAP, and a dedicated RX thread that polls TAP and pushes
// frames into the guest's manual_recv receive queue.
//
// Grounded on netdev.c's tap_net_rx_thread (poll loop, quit-flag check,
// read-until-EAGAIN draining) and the retrieved virtio-net.go's Rx/Tx
// descriptor-chain walking, generalized onto this hypervisor's MMIO
// Device core and tapnet.Endpoint.
package net

import (
	"encoding/binary"
	"sync"

	"mvvm/internal/tapnet"
	"mvvm/internal/virtio"
)

const (
	// DeviceID is VIRTIO's network device type.
	DeviceID = 1

	// featureMAC is VIRTIO_NET_F_MAC.
	featureMAC = 1 << 5

	configSpaceSize = 8

	rxQueue = 0
	txQueue = 1

	netHeaderSize = 12

	rxFrameMax = 4096
)

// Device is the VIRTIO network device, backed by a TAP endpoint.
type Device struct {
	*virtio.Device

	tap *tapnet.Endpoint

	quitMu sync.Mutex
	quit   bool

	done chan struct{}
}

// NewDevice creates a net device over tap, wired to core. mac is the
// 6-byte hardware address advertised in config space.
func NewDevice(core *virtio.Device, tap *tapnet.Endpoint, mac [6]byte) *Device {
	d := &Device{Device: core, tap: tap, done: make(chan struct{})}

	cfg := core.ConfigSpace()
	copy(cfg[0:6], mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], 0) // status: 0; VIRTIO_NET_F_STATUS is not advertised

	core.MarkManualRecv(rxQueue)
	core.OnRecv = d.onRecv

	return d
}

// Features is the feature bitmask this device advertises at selector 0.
func Features() uint32 { return featureMAC }

func (d *Device) onRecv(qidx int, head uint16, readSize, writeSize uint32) int {
	if qidx != txQueue {
		return 0
	}

	d.tx(head, readSize)

	return 0
}

// tx parses the 12-byte virtio-net header, copies the Ethernet frame out
// of the chain, hands it to the TAP endpoint, and consumes the
// descriptor with used_len=0, per spec §4.5 TX path.
func (d *Device) tx(head uint16, readSize uint32) {
	if readSize < netHeaderSize {
		_ = d.ConsumeDesc(txQueue, head, 0)
		return
	}

	frame, err := d.ReadPayload(txQueue, head, netHeaderSize, int(readSize-netHeaderSize))
	if err == nil {
		_ = d.tap.Write(frame)
	}

	_ = d.ConsumeDesc(txQueue, head, 0)
}

// canWriteRX reports whether the guest's RX queue is ready and has an
// available head the device has not yet consumed.
func (d *Device) canWriteRX() (uint16, bool) {
	return d.NextAvailHead(rxQueue)
}

// deliverRX writes a zero virtio-net header followed by frame into the
// guest's next available RX head and consumes it, advancing
// LastAvailIdx. It returns false if the guest has no free head, in which
// case the frame is silently dropped per spec §4.5.
func (d *Device) deliverRX(frame []byte) bool {
	head, ok := d.canWriteRX()
	if !ok {
		return false
	}

	hdr := make([]byte, netHeaderSize)
	if err := d.WritePayload(rxQueue, head, 0, hdr); err != nil {
		return false
	}

	if err := d.WritePayload(rxQueue, head, netHeaderSize, frame); err != nil {
		return false
	}

	_ = d.ConsumeDesc(rxQueue, head, uint32(netHeaderSize+len(frame)))
	d.AdvanceAvail(rxQueue)

	return true
}

// RxThreadEntry polls the TAP endpoint and drains frames into the guest
// RX queue until Stop is called. It is meant to run as its own goroutine,
// one per net device, matching netdev.c's tap_net_rx_thread.
func (d *Device) RxThreadEntry() {
	buf := make([]byte, rxFrameMax)

	for {
		if d.quitting() {
			close(d.done)
			return
		}

		readable, err := d.tap.PollReadable()
		if err != nil || !readable {
			continue
		}

		for {
			frame, err := d.tap.ReadFrame(buf)
			if err != nil || frame == nil {
				break
			}

			d.deliverRX(frame)
		}
	}
}

func (d *Device) quitting() bool {
	d.quitMu.Lock()
	defer d.quitMu.Unlock()

	return d.quit
}

// Stop requests RxThreadEntry to exit and waits for it to do so.
func (d *Device) Stop() {
	d.quitMu.Lock()
	d.quit = true
	d.quitMu.Unlock()

	<-d.done
}
