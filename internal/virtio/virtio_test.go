package virtio_test

import (
	"encoding/binary"
	"sync/atomic"
	"testing"

	"mvvm/internal/guestmem"
	"mvvm/internal/virtio"
)

type fakeIRQ struct {
	level atomic.Int32
	count atomic.Int32
}

func (f *fakeIRQ) Assert(level uint8) error {
	f.level.Store(int32(level))
	f.count.Add(1)

	return nil
}

func newMem(t *testing.T, size int) (*guestmem.GuestRAM, []byte) {
	t.Helper()

	backing := make([]byte, size)
	mem := guestmem.New()

	if err := mem.AddRegion(0, backing); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	return mem, backing
}

func TestDeviceHeaderRegisters(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t, 0x10000)
	dev := virtio.NewDevice(2, 0, 8, mem, &fakeIRQ{})

	buf := make([]byte, 4)

	dev.MMIORead(0x000, buf)
	if got := binary.LittleEndian.Uint32(buf); got != virtio.MagicValue {
		t.Fatalf("magic: got %#x, want %#x", got, virtio.MagicValue)
	}

	dev.MMIORead(0x008, buf)
	if got := binary.LittleEndian.Uint32(buf); got != 2 {
		t.Fatalf("deviceID: got %d, want 2", got)
	}

	dev.MMIORead(0x034, buf)
	if got := binary.LittleEndian.Uint32(buf); got != virtio.MaxQueueNum {
		t.Fatalf("queueNumMax: got %d, want %d", got, virtio.MaxQueueNum)
	}
}

func TestStatusResetClearsQueuesAndIRQ(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t, 0x10000)
	irq := &fakeIRQ{}
	dev := virtio.NewDevice(2, 0, 0, mem, irq)

	put32 := func(off, v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		dev.MMIOWrite(off, buf)
	}

	put32(0x030, 0) // select queue 0
	put32(0x038, 4) // queue_num = 4
	put32(0x080, 0x1000)
	put32(0x044, 1) // ready = 1

	put32(0x070, virtio.StatusAcknowledge|virtio.StatusDriver)

	// status = 0 resets everything.
	put32(0x070, 0)

	buf := make([]byte, 4)
	dev.MMIORead(0x070, buf)

	if got := binary.LittleEndian.Uint32(buf); got != 0 {
		t.Fatalf("status after reset: got %d, want 0", got)
	}

	dev.MMIORead(0x038, buf)
	if got := binary.LittleEndian.Uint32(buf); got != virtio.MaxQueueNum {
		t.Fatalf("queue_num after reset: got %d, want %d", got, virtio.MaxQueueNum)
	}

	dev.MMIORead(0x044, buf)
	if got := binary.LittleEndian.Uint32(buf); got != 0 {
		t.Fatalf("queue_ready after reset: got %d, want 0", got)
	}

	if irq.level.Load() != 0 {
		t.Fatalf("IRQ level after reset: got %d, want 0", irq.level.Load())
	}
}

func TestQueueNumRejectsNonPowerOfTwo(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t, 0x10000)
	dev := virtio.NewDevice(2, 0, 0, mem, &fakeIRQ{})

	write32 := func(off, v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		dev.MMIOWrite(off, buf)
	}

	write32(0x038, 3) // not a power of two: rejected

	buf := make([]byte, 4)
	dev.MMIORead(0x038, buf)

	if got := binary.LittleEndian.Uint32(buf); got != virtio.MaxQueueNum {
		t.Fatalf("queue_num: got %d, want unchanged %d", got, virtio.MaxQueueNum)
	}
}

func TestQueueAddrIgnoredWhileReady(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t, 0x10000)
	dev := virtio.NewDevice(2, 0, 0, mem, &fakeIRQ{})

	write32 := func(off, v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		dev.MMIOWrite(off, buf)
	}

	write32(0x080, 0x1000)
	write32(0x044, 1) // ready
	write32(0x080, 0x9999) // must be ignored now

	buf := make([]byte, 4)
	dev.MMIORead(0x080, buf)

	if got := binary.LittleEndian.Uint32(buf); got != 0x1000 {
		t.Fatalf("desc addr: got %#x, want unchanged %#x", got, 0x1000)
	}
}

// TestQueueNotifyRoundTrip builds a one-descriptor read-only chain plus an
// available-ring entry, triggers QueueNotify via the MMIO doorbell, and
// checks that OnRecv sees the right sizes and that ConsumeDesc publishes
// the used-ring entry and raises the interrupt.
func TestQueueNotifyRoundTrip(t *testing.T) {
	t.Parallel()

	mem, backing := newMem(t, 0x10000)
	irq := &fakeIRQ{}
	dev := virtio.NewDevice(2, 0, 0, mem, irq)

	const (
		descAddr  = 0x1000
		availAddr = 0x2000
		usedAddr  = 0x3000
		bufAddr   = 0x4000
	)

	// desc[0]: one read-only 8-byte descriptor, no NEXT.
	binary.LittleEndian.PutUint64(backing[descAddr:], bufAddr)
	binary.LittleEndian.PutUint32(backing[descAddr+8:], 8)
	binary.LittleEndian.PutUint16(backing[descAddr+12:], 0) // flags
	copy(backing[bufAddr:], "deadbeef")

	// avail ring: idx=1, ring[0]=0.
	binary.LittleEndian.PutUint16(backing[availAddr+2:], 1)
	binary.LittleEndian.PutUint16(backing[availAddr+4:], 0)

	write32 := func(off uint32, v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		dev.MMIOWrite(off, buf)
	}

	write32(0x030, 0) // select queue 0
	write32(0x038, 4) // num
	write32(0x080, descAddr)
	write32(0x090, availAddr)
	write32(0x0A0, usedAddr)
	write32(0x044, 1) // ready

	var gotRead, gotWrite uint32

	recvCh := make(chan struct{}, 1)

	dev.OnRecv = func(qidx int, head uint16, readSize, writeSize uint32) int {
		gotRead, gotWrite = readSize, writeSize

		if err := dev.ConsumeDesc(qidx, head, 0); err != nil {
			t.Errorf("ConsumeDesc: %v", err)
		}

		recvCh <- struct{}{}

		return 0
	}

	write32(0x050, 0) // notify queue 0

	select {
	case <-recvCh:
	default:
		t.Fatal("OnRecv was not called")
	}

	if gotRead != 8 || gotWrite != 0 {
		t.Fatalf("sizes: got read=%d write=%d, want read=8 write=0", gotRead, gotWrite)
	}

	if idx := binary.LittleEndian.Uint16(backing[usedAddr+2:]); idx != 1 {
		t.Fatalf("used.idx: got %d, want 1", idx)
	}

	if id := binary.LittleEndian.Uint32(backing[usedAddr+4:]); id != 0 {
		t.Fatalf("used[0].id: got %d, want 0", id)
	}

	if irq.count.Load() == 0 {
		t.Fatal("IRQ was never asserted")
	}

	buf := make([]byte, 4)
	dev.MMIORead(0x060, buf)

	if binary.LittleEndian.Uint32(buf)&1 == 0 {
		t.Fatal("InterruptStatus bit0 not set after ConsumeDesc")
	}

	write32(0x064, 1) // ack

	dev.MMIORead(0x060, buf)
	if binary.LittleEndian.Uint32(buf) != 0 {
		t.Fatal("InterruptStatus not cleared after ack")
	}
}

func TestChainOrderingViolationIsRejected(t *testing.T) {
	t.Parallel()

	mem, backing := newMem(t, 0x10000)
	dev := virtio.NewDevice(2, 0, 0, mem, &fakeIRQ{})

	const descAddr = 0x1000

	// desc[0]: WRITE, NEXT -> desc[1].
	binary.LittleEndian.PutUint64(backing[descAddr:], 0x5000)
	binary.LittleEndian.PutUint32(backing[descAddr+8:], 4)
	binary.LittleEndian.PutUint16(backing[descAddr+12:], 2|1) // WRITE|NEXT
	binary.LittleEndian.PutUint16(backing[descAddr+14:], 1)

	// desc[1]: read-only (no WRITE), violating the ordering rule.
	binary.LittleEndian.PutUint64(backing[descAddr+16:], 0x5100)
	binary.LittleEndian.PutUint32(backing[descAddr+24:], 4)
	binary.LittleEndian.PutUint16(backing[descAddr+28:], 0)

	write32 := func(off uint32, v uint32) {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		dev.MMIOWrite(off, buf)
	}

	write32(0x030, 0)
	write32(0x038, 4)
	write32(0x080, descAddr)
	write32(0x044, 1)

	called := false
	dev.OnRecv = func(int, uint16, uint32, uint32) int {
		called = true

		return 0
	}

	// Drive it through QueueNotify directly via the avail ring so the
	// malformed chain is what gets classified.
	write32(0x090, 0x6000)
	binary.LittleEndian.PutUint16(backing[0x6000+2:], 1)
	binary.LittleEndian.PutUint16(backing[0x6000+4:], 0)

	write32(0x050, 0)

	if called {
		t.Fatal("OnRecv called on a malformed descriptor chain")
	}
}
