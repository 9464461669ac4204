package uart_test

import (
	"bytes"
	"testing"
	"time"

	"mvvm/internal/uart"
)

type fakeIRQ struct{ asserts []uint8 }

func (f *fakeIRQ) Assert(level uint8) error {
	f.asserts = append(f.asserts, level)

	return nil
}

func TestWriteToSerialThenReadRBR(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	u := uart.New(&bytes.Buffer{}, irq)

	u.Write(uart.OffIER, 1) // enable RX interrupts

	u.WriteToSerial('A')

	if lsr := u.Read(uart.OffLSR); lsr&1 == 0 {
		t.Fatal("LSR.DR not set after WriteToSerial")
	}

	if got := u.Read(uart.OffRBR); got != 'A' {
		t.Fatalf("RBR = %q, want 'A'", got)
	}

	if lsr := u.Read(uart.OffLSR); lsr&1 != 0 {
		t.Fatal("LSR.DR still set after RBR read")
	}
}

func TestTHRWritesToOut(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	u := uart.New(&buf, &fakeIRQ{})

	u.Write(uart.OffTHR, 'x')

	if buf.String() != "x" {
		t.Fatalf("out = %q, want %q", buf.String(), "x")
	}
}

func TestWriteToSerialDropsOnFullSlotTimeout(t *testing.T) {
	t.Parallel()

	u := uart.New(&bytes.Buffer{}, &fakeIRQ{})

	u.WriteToSerial('A')

	done := make(chan struct{})

	go func() {
		u.WriteToSerial('B') // slot full; guest never reads, so this drops after timeout
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WriteToSerial on a full slot did not return within 5s")
	}

	if got := u.Read(uart.OffRBR); got != 'A' {
		t.Fatalf("RBR = %q, want first byte 'A' to have survived the drop", got)
	}
}

func TestDLABSwitchesToDivisorLatch(t *testing.T) {
	t.Parallel()

	u := uart.New(&bytes.Buffer{}, &fakeIRQ{})

	u.Write(uart.OffLCR, 1<<7) // set DLAB
	u.Write(0, 0x01)           // DLL
	u.Write(1, 0x02)           // DLM

	if got := u.Read(0); got != 0x01 {
		t.Fatalf("DLL = %#x, want 0x01", got)
	}

	if got := u.Read(1); got != 0x02 {
		t.Fatalf("DLM = %#x, want 0x02", got)
	}
}
