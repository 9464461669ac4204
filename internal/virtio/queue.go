package virtio

import "encoding/binary"

// Descriptor flag bits, per spec §4.3 / the VIRTIO 1.1 split virtqueue
// layout.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

const descSize = 16

type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d *Device) readDescLocked(qidx int, idx uint16) (descriptor, error) {
	addr := d.queues[qidx].DescAddr + uint64(idx)*descSize

	buf, err := d.mem.Translate(addr, descSize)
	if err != nil {
		return descriptor{}, errFault
	}

	return descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// getDescRWSizeLocked walks the chain starting at head, accumulating
// readSize across the leading run of non-WRITE descriptors and writeSize
// across the trailing run of WRITE descriptors (spec §4.3 chain
// classification). VRING_DESC_F_INDIRECT is accepted in a descriptor's
// flags but not interpreted, per the open-question resolution: a driver
// that negotiates indirect descriptors will misbehave, which this
// hypervisor does not advertise support for.
func (d *Device) getDescRWSizeLocked(qidx int, head uint16) (readSize, writeSize uint32, err error) {
	idx := head

	desc, err := d.readDescLocked(qidx, idx)
	if err != nil {
		return 0, 0, err
	}

	for desc.Flags&descFWrite == 0 {
		readSize += desc.Len

		if desc.Flags&descFNext == 0 {
			return readSize, writeSize, nil
		}

		idx = desc.Next

		if desc, err = d.readDescLocked(qidx, idx); err != nil {
			return 0, 0, err
		}
	}

	for {
		if desc.Flags&descFWrite == 0 {
			return 0, 0, errBadChain
		}

		writeSize += desc.Len

		if desc.Flags&descFNext == 0 {
			return readSize, writeSize, nil
		}

		idx = desc.Next

		if desc, err = d.readDescLocked(qidx, idx); err != nil {
			return 0, 0, err
		}
	}
}

// memcpyFromQueueLocked copies count bytes starting at offset within the
// chain rooted at head into buf; it is used to pull guest-written (OUT)
// payload off the wire, so it requires the non-WRITE prefix.
func (d *Device) memcpyFromQueueLocked(qidx int, head uint16, offset int, buf []byte) error {
	return d.memcpyQueueLocked(qidx, head, offset, buf, false)
}

// memcpyToQueueLocked copies buf into the WRITE suffix of the chain
// rooted at head, starting at offset within that suffix.
func (d *Device) memcpyToQueueLocked(qidx int, head uint16, offset int, buf []byte) error {
	return d.memcpyQueueLocked(qidx, head, offset, buf, true)
}

func (d *Device) memcpyQueueLocked(qidx int, head uint16, offset int, buf []byte, toQueue bool) error {
	count := len(buf)
	if count == 0 {
		return nil
	}

	wantWrite := uint16(0)
	if toQueue {
		wantWrite = descFWrite
	}

	idx := head

	desc, err := d.readDescLocked(qidx, idx)
	if err != nil {
		return err
	}

	if toQueue {
		for desc.Flags&descFWrite != wantWrite {
			if desc.Flags&descFNext == 0 {
				return errFault
			}

			idx = desc.Next

			if desc, err = d.readDescLocked(qidx, idx); err != nil {
				return err
			}
		}
	}

	for offset >= int(desc.Len) || desc.Flags&descFWrite != wantWrite {
		if desc.Flags&descFWrite != wantWrite {
			return errFault
		}

		if desc.Flags&descFNext == 0 {
			return errFault
		}

		idx = desc.Next
		offset -= int(desc.Len)

		if desc, err = d.readDescLocked(qidx, idx); err != nil {
			return err
		}
	}

	n := 0
	for {
		l := int(desc.Len) - offset
		if l > count-n {
			l = count - n
		}

		host, err := d.mem.Translate(desc.Addr+uint64(offset), l)
		if err != nil {
			return errFault
		}

		if toQueue {
			copy(host, buf[n:n+l])
		} else {
			copy(buf[n:n+l], host)
		}

		n += l
		if n == count {
			return nil
		}

		offset += l
		if offset == int(desc.Len) {
			if desc.Flags&descFNext == 0 {
				return errFault
			}

			idx = desc.Next

			if desc, err = d.readDescLocked(qidx, idx); err != nil {
				return err
			}

			if desc.Flags&descFWrite != wantWrite {
				return errFault
			}

			offset = 0
		}
	}
}

// QueueNotify processes every newly-available head in queue qidx by
// calling OnRecv, generalizing the original queue_notify loop: a
// malformed chain is skipped (still advances LastAvailIdx) rather than
// halting the queue, but OnRecv returning negative halts it so the same
// head is retried on the next notification.
func (d *Device) QueueNotify(qidx int) {
	d.mu.Lock()

	q := &d.queues[qidx]
	if q.ManualRecv {
		d.mu.Unlock()
		return
	}

	memoryBarrier()

	availIdx, err := d.mem.Read16(q.AvailAddr + 2)
	if err != nil {
		d.mu.Unlock()
		return
	}

	d.mu.Unlock()

	for {
		d.mu.Lock()

		if q.LastAvailIdx == availIdx {
			d.mu.Unlock()
			return
		}

		mask := uint16(q.Num - 1)
		headSlot := q.AvailAddr + 4 + uint64(q.LastAvailIdx&mask)*2

		head, err := d.mem.Read16(headSlot)
		if err != nil {
			d.mu.Unlock()
			return
		}

		readSize, writeSize, rerr := d.getDescRWSizeLocked(qidx, head)

		onRecv := d.OnRecv

		// Release before calling back into the device: queue_notify's
		// backend call can re-enter (block completion re-locks to call
		// ConsumeDesc), per the open-question resolution to release
		// rather than require a recursive mutex.
		d.mu.Unlock()

		halt := false
		if rerr == nil && onRecv != nil {
			halt = onRecv(qidx, head, readSize, writeSize) < 0
		}

		if halt {
			return
		}

		d.mu.Lock()
		q.LastAvailIdx++
		d.mu.Unlock()
	}
}

// ConsumeDesc publishes completion of descriptor chain head with
// usedLen, per spec §4.3: read the used-ring index, write the used
// element at the slot that index names, issue the barrier, then write
// back index+1 and raise the used-ring interrupt.
func (d *Device) ConsumeDesc(qidx int, head uint16, usedLen uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := &d.queues[qidx]

	idx, err := d.mem.Read16(q.UsedAddr + 2)
	if err != nil {
		return err
	}

	mask := uint16(q.Num - 1)
	slot := q.UsedAddr + 4 + uint64(idx&mask)*8

	if err := d.mem.Write32(slot, uint32(head)); err != nil {
		return err
	}

	if err := d.mem.Write32(slot+4, usedLen); err != nil {
		return err
	}

	memoryBarrier()

	if err := d.mem.Write16(q.UsedAddr+2, idx+1); err != nil {
		return err
	}

	d.intStatus |= 1

	return d.irq.Assert(1)
}

// ReadHeader copies the first n bytes of the chain rooted at head into a
// freshly allocated buffer; devices use it to pull a fixed-size request
// header before deciding how to handle the rest of the chain.
func (d *Device) ReadHeader(qidx int, head uint16, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, n)
	if err := d.memcpyFromQueueLocked(qidx, head, 0, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadPayload copies count bytes starting at offset in the chain rooted
// at head.
func (d *Device) ReadPayload(qidx int, head uint16, offset, count int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, count)
	if err := d.memcpyFromQueueLocked(qidx, head, offset, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WritePayload copies buf into the chain rooted at head starting at
// offset within its WRITE-flagged suffix.
func (d *Device) WritePayload(qidx int, head uint16, offset int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.memcpyToQueueLocked(qidx, head, offset, buf)
}

// NextAvailHead reports the descriptor head at a manual_recv queue's
// current LastAvailIdx without advancing it, per spec §4.5's can_write?
// check (queue ready and last_avail_idx != avail_idx). Call AdvanceAvail
// after successfully delivering into the returned head.
func (d *Device) NextAvailHead(qidx int) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := &d.queues[qidx]
	if !q.Ready {
		return 0, false
	}

	memoryBarrier()

	availIdx, err := d.mem.Read16(q.AvailAddr + 2)
	if err != nil || q.LastAvailIdx == availIdx {
		return 0, false
	}

	mask := uint16(q.Num - 1)
	headSlot := q.AvailAddr + 4 + uint64(q.LastAvailIdx&mask)*2

	head, err := d.mem.Read16(headSlot)
	if err != nil {
		return 0, false
	}

	return head, true
}

// AdvanceAvail increments a manual_recv queue's LastAvailIdx after the
// caller has consumed the head NextAvailHead returned.
func (d *Device) AdvanceAvail(qidx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queues[qidx].LastAvailIdx++
}
