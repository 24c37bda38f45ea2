//go:build linux

package netmap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/nmphy/ifreq"
	"github.com/romshark/nmphy/phy"
)

// system is the set of kernel calls a session makes.
type system interface {
	open() (fd int, err error)
	register(fd int, req *Request) error
	mmap(fd int, size int) ([]byte, error)
	munmap(mem []byte) error
	txSync(fd int) error
	rxSync(fd int) error
	poll(fd int, timeout time.Duration) error
	close(fd int) error
	bufSize() (int, error)
	interfaceMTU(name string) (int, error)
}

// kernel issues real system calls against /dev/netmap.
type kernel struct{}

var _ system = kernel{}

func (kernel) open() (int, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("opening %s: %w", devicePath, err)
	}
	return fd, nil
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if e != 0 {
		return e
	}
	return nil
}

func (kernel) register(fd int, req *Request) error {
	if err := ioctl(fd, niocRegIf, unsafe.Pointer(req)); err != nil {
		return fmt.Errorf("NIOCREGIF %q: %w", req.PortName(), err)
	}
	return nil
}

func (kernel) mmap(fd int, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func (kernel) munmap(mem []byte) error { return unix.Munmap(mem) }

func (kernel) txSync(fd int) error {
	if err := ioctl(fd, niocTxSync, nil); err != nil {
		return fmt.Errorf("NIOCTXSYNC: %w", err)
	}
	return nil
}

func (kernel) rxSync(fd int) error {
	if err := ioctl(fd, niocRxSync, nil); err != nil {
		return fmt.Errorf("NIOCRXSYNC: %w", err)
	}
	return nil
}

func (kernel) poll(fd int, timeout time.Duration) error {
	return phy.WaitReadable(fd, timeout)
}

func (kernel) close(fd int) error { return unix.Close(fd) }

func (kernel) bufSize() (int, error) { return readBufSize(bufSizePath) }

func (kernel) interfaceMTU(name string) (int, error) { return ifreq.MTU(name) }

// readBufSize parses the netmap buf_size module parameter.
func readBufSize(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBufSize, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %w", ErrBufSize, path, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: %s is zero", ErrBufSize, path)
	}
	return int(v), nil
}
