package vcpurun

import (
	"testing"

	"mvvm/internal/cmdline"
	"mvvm/internal/kvmapi"
)

type fakeSerial struct {
	reads  []int
	writes []byte
}

func (f *fakeSerial) Read(offset int) byte {
	f.reads = append(f.reads, offset)

	return 0x42
}

func (f *fakeSerial) Write(offset int, val byte) {
	f.writes = append(f.writes, val)
}

type fakePower struct {
	halt bool
	code int
}

func (f *fakePower) Out(val byte) (bool, int) { return f.halt, f.code }
func (f *fakePower) In() byte                 { return 0x07 }

type fakeMMIO struct {
	reads  []uint32
	writes []uint32
}

func (f *fakeMMIO) MMIORead(offset uint32, data []byte)  { f.reads = append(f.reads, offset) }
func (f *fakeMMIO) MMIOWrite(offset uint32, data []byte) { f.writes = append(f.writes, offset) }

func TestDispatchSerialReadWrite(t *testing.T) {
	t.Parallel()

	s := &fakeSerial{}
	l := &Loop{Serial: s}

	buf := []byte{0}
	l.dispatchSerial(kvmapi.ExitIOIn, 0, buf)

	if buf[0] != 0x42 {
		t.Fatalf("IN buf[0] = %#x, want 0x42", buf[0])
	}

	l.dispatchSerial(kvmapi.ExitIOOut, 0, []byte{0x99})
	if len(s.writes) != 1 || s.writes[0] != 0x99 {
		t.Fatalf("writes = %v, want [0x99]", s.writes)
	}
}

func TestDispatchPowerHaltPropagates(t *testing.T) {
	t.Parallel()

	l := &Loop{Power: &fakePower{halt: true, code: 1}}

	halt, code := l.dispatchPower(kvmapi.ExitIOOut, []byte{1})
	if !halt || code != 1 {
		t.Fatalf("dispatchPower = (%v, %d), want (true, 1)", halt, code)
	}
}

func TestDispatchPowerInDoesNotHalt(t *testing.T) {
	t.Parallel()

	l := &Loop{Power: &fakePower{}}

	buf := []byte{0}
	halt, _ := l.dispatchPower(kvmapi.ExitIOIn, buf)
	if halt {
		t.Fatal("IN direction requested halt, want false")
	}

	if buf[0] != 0x07 {
		t.Fatalf("buf[0] = %#x, want 0x07", buf[0])
	}
}

func TestDispatchMMIORoutesByAddressRange(t *testing.T) {
	t.Parallel()

	blk, net := &fakeMMIO{}, &fakeMMIO{}
	l := &Loop{Block: blk, Net: net}

	l.Run = &kvmapi.RunData{}
	setMMIOExit(l.Run, cmdline.BlockMMIOBase+0x20, 4, false)
	l.dispatchMMIO()

	if len(blk.reads) != 1 || blk.reads[0] != 0x20 {
		t.Fatalf("block reads = %v, want [0x20]", blk.reads)
	}

	if len(net.reads) != 0 {
		t.Fatalf("net reads = %v, want none", net.reads)
	}

	setMMIOExit(l.Run, cmdline.NetMMIOBase+0x30, 4, true)
	l.dispatchMMIO()

	if len(net.writes) != 1 || net.writes[0] != 0x30 {
		t.Fatalf("net writes = %v, want [0x30]", net.writes)
	}
}

func TestDispatchMMIOIgnoresOutOfWindowAccess(t *testing.T) {
	t.Parallel()

	blk := &fakeMMIO{}
	l := &Loop{Block: blk, Run: &kvmapi.RunData{}}

	setMMIOExit(l.Run, cmdline.BlockMMIOBase+mmioWindow-2, 4, false)
	l.dispatchMMIO()

	if len(blk.reads) != 0 {
		t.Fatalf("reads = %v, want none (offset+length exceeds window)", blk.reads)
	}
}

func TestDispatchMMIOIgnoresUnmappedRange(t *testing.T) {
	t.Parallel()

	l := &Loop{Run: &kvmapi.RunData{}}

	setMMIOExit(l.Run, 0xDEAD0000, 4, false)
	l.dispatchMMIO() // must not panic with nil Block/Net
}

func setMMIOExit(r *kvmapi.RunData, phys uint64, length uint32, isWrite bool) {
	r.Data[0] = phys
	r.Data[2] = uint64(length)

	if isWrite {
		r.Data[2] |= 1 << 32
	}
}
