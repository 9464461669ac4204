// Package kvmapi wraps the /dev/kvm ioctl surface used to build and drive a
// single-VCPU x86_64 guest: VM/VCPU creation, register access, CPUID
// programming, guest memory slots, and interrupt injection.
package kvmapi

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl request codes. These are KVM-specific and are not exported by
// golang.org/x/sys/unix, so they stay hand-declared the way the teacher
// declares them.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmIRQLine             = 0x4008AE67
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90

	numInterrupts = 0x100

	// CPUIDSignature and CPUIDFeatures mark the synthetic KVM leaf so guest
	// drivers can identify the hypervisor.
	CPUIDSignature  = 0x40000000
	CPUIDFeatures   = 0x40000001
	cpuidFuncPerMon = 0x0A
)

// Exit reasons, as reported in RunData.ExitReason.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

// IO directions, as returned by RunData.IO.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

// ErrUnexpectedExitReason names an exit reason the dispatcher has no
// handler for. The vcpurun loop does not return it: it reports such an
// exit through exit code 1 and a log line.
var ErrUnexpectedExitReason = errors.New("kvmapi: unexpected exit reason")

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors the shared struct kvm_run mmap'd region.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_out/io_in union stashed in Data[0] and Data[1] for an
// ExitIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the byte buffer an ExitIO exit's bytes live in: KVM
// places it at dataOffset bytes from the start of the shared RunData
// struct itself (not inside the Data union), mirroring struct
// kvm_run's io.data_offset field.
func (r *RunData) IOData(dataOffset, size uint64) []byte {
	ptr := unsafe.Pointer(uintptr(unsafe.Pointer(r)) + uintptr(dataOffset))
	b := (*[256]byte)(ptr)

	return b[:size:size]
}

// MMIO decodes the mmio union stashed in Data for an ExitMMIO exit:
// phys_addr in Data[0], the 8 data bytes in Data[1], then len (low 32
// bits of Data[2]) and is_write (the byte after len).
func (r *RunData) MMIO() (phys uint64, data []byte, length uint32, isWrite bool) {
	phys = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0
	dataBytes := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return phys, dataBytes[:length:length], length, isWrite
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2 with a fixed-size entry array, large
// enough for every leaf KVM_GET_SUPPORTED_CPUID reports in practice.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

func ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Open opens /dev/kvm and returns its fd along with the reported API
// version so the caller can bail out early on an incompatible host kernel.
func Open(path string) (uintptr, int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, 0, err
	}

	version, err := ioctl(uintptr(fd), kvmGetAPIVersion, 0)

	return uintptr(fd), int(version), err
}

// CreateVM issues KVM_CREATE_VM.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU issues KVM_CREATE_VCPU for the given vCPU index.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(vcpuID))
}

// GetVCPUMMapSize returns the size of the shared kvm_run mmap region.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// Run enters guest execution until the next synchronous exit. EAGAIN and
// EINTR (a host signal arrived) are not errors: the caller re-enters the
// loop and dispatches on ExitReason/ExitIntr as usual.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return nil
	}

	return err
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))

	return err
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))

	return err
}

// SetUserMemoryRegion installs or updates a guest memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves the three-page TSS area Intel hosts require.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves the one-page identity map Intel hosts
// require for real-mode/EPT bootstrap.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

// CreateIRQChip creates the in-kernel PIC/IOAPIC model.
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// CreatePIT2 creates the in-kernel i8254 PIT, required once an irqchip
// exists so the guest has a timer tick.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{}
	_, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQLine sets a GSI's level. Edge-triggered interrupts are delivered by
// pulsing level 1 then 0.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// GetSupportedCPUID fills in the CPUID leaves the host/KVM combination
// supports, to be filtered and fed back via SetCPUID2.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = uint32(len(cpuid.Entries))
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 programs the vCPU's CPUID leaves.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// PatchCPUID disables the performance-monitoring leaf (unreliable under
// virtualization) and stamps the KVM signature leaf, mirroring what every
// well-behaved KVM userspace does before SetCPUID2.
func PatchCPUID(cpuid *CPUID) {
	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case cpuidFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case CPUIDSignature:
			cpuid.Entries[i].Eax = CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			cpuid.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			cpuid.Entries[i].Edx = 0x4d       // "M"
		}
	}
}

// Mmap maps the shared kvm_run structure for a vCPU fd.
func Mmap(vcpuFd uintptr, size int) (*RunData, []byte, error) {
	b, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return (*RunData)(unsafe.Pointer(&b[0])), b, nil
}
