// Command mvvm boots an unmodified Linux kernel under a single-VCPU
// micro-VMM: it wires /dev/kvm, guest memory, the 16550 UART, the
// power port, and the optional VIRTIO-blk/VIRTIO-net devices together,
// then hands control to the VCPU run loop until the guest shuts down.
//
// Grounded on main.go (CLI parsing, machine construction, per-CPU
// goroutine, raw-mode terminal lifecycle, stdin-to-serial pump) and
// machine.go's New/LoadLinux (device bus wiring), generalized from that
// teacher's PCI/legacy-VIRTIO bus onto this hypervisor's VIRTIO-MMIO
// layout and split into the focused internal/ packages SPEC_FULL.md §10
// names.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"mvvm/internal/bootparam"
	"mvvm/internal/cmdline"
	"mvvm/internal/guestmem"
	"mvvm/internal/irq"
	"mvvm/internal/kvmapi"
	"mvvm/internal/powerport"
	"mvvm/internal/rawterm"
	"mvvm/internal/tapnet"
	"mvvm/internal/uart"
	"mvvm/internal/vcpurun"
	"mvvm/internal/virtio"
	"mvvm/internal/virtio/block"
	"mvvm/internal/virtio/net"
)

// GSI assignments for the IRQ lines this VM exposes. Serial and power
// follow spec §4.6/§4.8; block/net follow the MMIO placement cmdline
// augments the kernel command line with.
const (
	serialIRQ = 4
	powerIRQ  = 5

	blockWorkerPoolSize = 4
)

// mac is the VIRTIO-net device's advertised hardware address: the
// locally-administered OUI QEMU/libvirt convention uses for software
// NICs, so guest DHCP/ARP traffic looks like any other VM's.
var mac = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	code, err := run(log)
	if err != nil {
		log.Errorf("%v", err)
	}

	os.Exit(code)
}

// kvmInjector adapts the package-level kvmapi.IRQLine ioctl wrapper to
// irq.Injector, since kvmapi has no type of its own to hang the method
// off of (it is a thin, mostly stateless ioctl surface).
type kvmInjector struct{}

func (kvmInjector) IRQLine(vmFd uintptr, gsi, level uint32) error {
	return kvmapi.IRQLine(vmFd, gsi, level)
}

func run(log *logrus.Logger) (int, error) {
	cfg, err := cmdline.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, cmdline.ErrUsage) {
			return 0, nil
		}

		return 2, err
	}

	kvmFd, _, err := kvmapi.Open("/dev/kvm")
	if err != nil {
		return -1, fmt.Errorf("opening /dev/kvm: %w", err)
	}
	defer unix.Close(int(kvmFd))

	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		return -1, fmt.Errorf("creating VM: %w", err)
	}
	defer unix.Close(int(vmFd))

	if err := kvmapi.SetTSSAddr(vmFd, 0xFFFFD000); err != nil {
		return -1, fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvmapi.SetIdentityMapAddr(vmFd, 0xFFFFC000); err != nil {
		return -1, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvmapi.CreateIRQChip(vmFd); err != nil {
		return -1, fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvmapi.CreatePIT2(vmFd); err != nil {
		return -1, fmt.Errorf("CreatePIT2: %w", err)
	}

	vcpuFd, err := kvmapi.CreateVCPU(vmFd, 0)
	if err != nil {
		return -1, fmt.Errorf("creating vCPU: %w", err)
	}
	defer unix.Close(int(vcpuFd))

	if err := initCPUID(kvmFd, vcpuFd); err != nil {
		return -1, fmt.Errorf("programming CPUID: %w", err)
	}

	mmapSize, err := kvmapi.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return -1, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	runData, runRaw, err := kvmapi.Mmap(vcpuFd, int(mmapSize))
	if err != nil {
		return -1, fmt.Errorf("mapping kvm_run: %w", err)
	}
	defer unix.Munmap(runRaw)

	hostMem, err := unix.Mmap(-1, 0, int(cfg.MemSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return -1, fmt.Errorf("mmap guest memory: %w", err)
	}
	defer unix.Munmap(hostMem)

	err = kvmapi.SetUserMemoryRegion(vmFd, &kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    cfg.MemSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostMem[0]))),
	})
	if err != nil {
		return -1, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	mem := guestmem.New()
	if err := mem.AddRegion(0, hostMem); err != nil {
		return -1, fmt.Errorf("registering guest RAM: %w", err)
	}

	if err := initRegs(vcpuFd); err != nil {
		return -1, fmt.Errorf("initializing vCPU registers: %w", err)
	}

	initrdSize, err := loadGuest(mem, cfg)
	if err != nil {
		return -1, fmt.Errorf("loading guest image: %w", err)
	}

	serialLine := irq.New(kvmInjector{}, vmFd, serialIRQ)
	powerLine := irq.New(kvmInjector{}, vmFd, powerIRQ)

	console := &carriageReturnWriter{out: os.Stdout}
	u := uart.New(console, serialLine)
	power := powerport.New(powerLine)

	loop := &vcpurun.Loop{
		VCPUFd: vcpuFd,
		Run:    runData,
		Mem:    mem,
		Serial: u,
		Power:  power,
		Log:    log,
	}

	var blkBackend *block.FileBackend
	if cfg.DiskPath != "" {
		blkBackend, err = block.NewFileBackend(cfg.DiskPath, blockWorkerPoolSize)
		if err != nil {
			return -1, fmt.Errorf("opening disk image: %w", err)
		}
		defer blkBackend.Close()

		blockLine := irq.New(kvmInjector{}, vmFd, cmdline.BlockIRQ)
		core := virtio.NewDevice(block.DeviceID, 0, 8, mem, blockLine)
		loop.Block = block.NewDevice(core, blkBackend)
	}

	var netDev *net.Device
	if cfg.TapName != "" {
		tapEP, err := tapnet.Open(cfg.TapName)
		if err != nil {
			return -1, fmt.Errorf("opening TAP %s: %w", cfg.TapName, err)
		}
		defer tapEP.Close()

		netLine := irq.New(kvmInjector{}, vmFd, cmdline.NetIRQ)
		core := virtio.NewDevice(net.DeviceID, net.Features(), 8, mem, netLine)
		netDev = net.NewDevice(core, tapEP, mac)
		loop.Net = netDev

		go netDev.RxThreadEntry()
		defer netDev.Stop()
	}

	log.Infof("guest image loaded: mem=%dMiB initrd=%dB disk=%q tap=%q",
		cfg.MemSize/(1<<20), initrdSize, cfg.DiskPath, cfg.TapName)

	restoreTerm, onTerm := acquireTerminal(log)
	defer restoreTerm()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)

	go func() {
		<-sigCh
		onTerm()
		os.Exit(1)
	}()

	go pumpStdin(u, log)

	fmt.Fprintf(os.Stdout, "Starting vCPU\r\n")

	code, runErr := loop.RunLoop()

	fmt.Fprintf(os.Stdout, "vCPU exited with code %d\r\n", code)

	return code, runErr
}

// loadGuest writes the kernel, optional initrd, command line, and
// zeropage into guest memory per spec §6's memory map.
func loadGuest(mem *guestmem.GuestRAM, cfg cmdline.Config) (initrdSize uint32, err error) {
	kernel, err := os.Open(cfg.KernelPath)
	if err != nil {
		return 0, err
	}
	defer kernel.Close()

	st, err := kernel.Stat()
	if err != nil {
		return 0, err
	}

	hdr, err := bootparam.ParseHeader(kernel, st.Size())
	if err != nil {
		return 0, err
	}

	kernelBuf, err := mem.Translate(bootparam.KernelAddr, int(st.Size()-hdr.KernelOffset()))
	if err != nil {
		return 0, err
	}

	if _, err := kernel.ReadAt(kernelBuf, hdr.KernelOffset()); err != nil && err != io.EOF {
		return 0, fmt.Errorf("reading kernel image: %w", err)
	}

	if cfg.InitrdPath != "" {
		initrd, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return 0, err
		}
		defer initrd.Close()

		ist, err := initrd.Stat()
		if err != nil {
			return 0, err
		}

		initrdBuf, err := mem.Translate(bootparam.InitrdAddr, int(ist.Size()))
		if err != nil {
			return 0, err
		}

		if _, err := initrd.ReadAt(initrdBuf, 0); err != nil && err != io.EOF {
			return 0, fmt.Errorf("reading initrd: %w", err)
		}

		initrdSize = uint32(ist.Size())
	}

	cmd := cfg.GuestCmdline()

	cmdBuf, err := mem.Translate(bootparam.CmdlineAddr, len(cmd)+1)
	if err != nil {
		return 0, err
	}

	copy(cmdBuf, cmd)
	cmdBuf[len(cmd)] = 0

	zp := bootparam.ZeroPage(hdr, cfg.MemSize, len(cmd), initrdSize)
	if _, err := mem.WriteAt(zp, bootparam.BootParamAddr); err != nil {
		return 0, err
	}

	return initrdSize, nil
}

func initRegs(vcpuFd uintptr) error {
	regs, err := kvmapi.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = bootparam.KernelAddr
	regs.RSI = bootparam.BootParamAddr

	if err := kvmapi.SetRegs(vcpuFd, regs); err != nil {
		return err
	}

	sregs, err := kvmapi.GetSregs(vcpuFd)
	if err != nil {
		return err
	}

	flat := func(s *kvmapi.Segment) {
		s.Base, s.Limit, s.G = 0, 0xFFFFFFFF, 1
	}

	flat(&sregs.CS)
	flat(&sregs.DS)
	flat(&sregs.ES)
	flat(&sregs.FS)
	flat(&sregs.GS)
	flat(&sregs.SS)

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return kvmapi.SetSregs(vcpuFd, sregs)
}

func initCPUID(kvmFd, vcpuFd uintptr) error {
	cpuid := kvmapi.CPUID{}
	if err := kvmapi.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return err
	}

	kvmapi.PatchCPUID(&cpuid)

	return kvmapi.SetCPUID2(vcpuFd, &cpuid)
}

// pumpStdin reads raw bytes from stdin and feeds them to the UART's
// host-input path, mirroring main.go's keyboard goroutine.
func pumpStdin(u *uart.UART, log *logrus.Logger) {
	buf := make([]byte, 1)

	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Debugf("stdin: %v", err)
			}

			return
		}

		if n > 0 {
			u.WriteToSerial(buf[0])
		}
	}
}

// acquireTerminal puts stdin into raw mode when it is a terminal,
// returning a restore func for the normal exit path and an onTerm func
// the SIGINT handler calls before _exit, matching the scoped-resource
// re-architecture in DESIGN.md.
func acquireTerminal(log *logrus.Logger) (restore func(), onTerm func()) {
	if !rawterm.IsTerminal() {
		return func() {}, func() {}
	}

	restoreFn, err := rawterm.Acquire()
	if err != nil {
		log.Warnf("raw mode: %v", err)

		return func() {}, func() {}
	}

	once := func() {
		_ = restoreFn()
	}

	return once, once
}

// carriageReturnWriter appends \r before \n so guest serial output lines
// up correctly on a terminal already in raw mode, matching the teacher's
// convention of \r\n host console lines alongside guest console output.
type carriageReturnWriter struct {
	out *os.File
}

func (w *carriageReturnWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			if _, err := w.out.Write([]byte{'\r'}); err != nil {
				return 0, err
			}
		}

		if _, err := w.out.Write([]byte{b}); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (w *carriageReturnWriter) Flush() error {
	return nil
}
