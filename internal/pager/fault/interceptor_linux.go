//go:build linux

package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/orizon-lang/fabricmem/internal/pager/pageno"
	"github.com/orizon-lang/fabricmem/internal/pager/pagererr"
)

// Linux uapi/linux/userfaultfd.h constants. Kept local rather than
// assumed present in golang.org/x/sys/unix, the way the e2b-dev-infra
// orchestrator defines its own uffdio layer instead of depending on the
// stdlib package carrying them.
const (
	uffdioRegisterModeMissing = 1 << 0
	uffdioRegisterModeWP      = 1 << 1

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1

	uffdEventPagefault = 0x12

	uffdioAPI      = 0xc0000000 | (0xaa<<8 | 0x3f) | (24 << 16)
	uffdioRegister = 0xc0000000 | (0xaa<<8 | 0x00) | (32 << 16) //nolint:staticcheck // mirrors _IOWR(0xAA, 0x00, struct uffdio_register)
	uffdioUnreg    = 0x80000000 | (0xaa<<8 | 0x01) | (16 << 16)
	uffdioCopy     = 0xc0000000 | (0xaa<<8 | 0x03) | (40 << 16)
	uffdioZeropage = 0xc0000000 | (0xaa<<8 | 0x04) | (32 << 16)
	uffdioWake     = 0x80000000 | (0xaa<<8 | 0x02) | (16 << 16)

	maxRequestsInProgress = 4096
)

type uffdioAPIStruct struct {
	API      uint64
	Features uint64
	IoctlPtr uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterStruct struct {
	Range      uffdioRange
	Mode       uint64
	IoctlsPtr  uint64
}

type uffdioCopyStruct struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropageStruct struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

type uffdMsg struct {
	Event    uint8
	_        [7]byte // padding to match kernel layout
	Arg      [24]byte
}

type uffdPagefault struct {
	Flags   uint64
	Address uint64
	// Ptid is only present for UFFD_FEATURE_THREAD_ID, unused here.
	Ptid uint32
	_    [4]byte
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// linuxInterceptor is the userfaultfd-backed Interceptor.
type linuxInterceptor struct {
	fd      int
	region  Region
	space   pageno.Space
	mapping []byte // mmap'd guest-physical region

	broker *eventBroker
	group  errgroup.Group

	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

// New registers region with userfaultfd in missing-page mode and mmaps
// it, returning an Interceptor ready to Serve. Returns a
// FaultFacilityUnavailable error if the kernel refuses registration,
// e.g. because userfaultfd is disabled by sysctl or the process lacks
// CAP_SYS_PTRACE for the unprivileged path (spec §7).
func New(region Region, logger *zap.Logger) (Interceptor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fd, _, errno := unix.Syscall(sysUserfaultfd, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, pagererr.Wrap(pagererr.FaultFacilityUnavailable, errno, "open userfaultfd")
	}

	api := uffdioAPIStruct{API: 0xAA}
	if err := ioctl(int(fd), uffdioAPI, uintptr(unsafe.Pointer(&api))); err != nil {
		unix.Close(int(fd))
		return nil, pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "UFFDIO_API handshake")
	}

	mapping, err := unix.Mmap(-1, 0, int(region.Len), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(int(fd))
		return nil, pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "mmap guest region")
	}

	reg := uffdioRegisterStruct{
		Range: uffdioRange{Start: uint64(uintptr(unsafe.Pointer(&mapping[0]))), Len: region.Len},
		Mode:  uffdioRegisterModeMissing,
	}
	if err := ioctl(int(fd), uffdioRegister, uintptr(unsafe.Pointer(&reg))); err != nil {
		unix.Munmap(mapping) //nolint:errcheck
		unix.Close(int(fd))
		return nil, pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "UFFDIO_REGISTER")
	}

	region.Base = uintptr(unsafe.Pointer(&mapping[0]))

	li := &linuxInterceptor{
		fd:      int(fd),
		region:  region,
		space:   pageno.NewSpace(region.Base, region.Len),
		mapping: mapping,
		broker:  newEventBroker(4096),
		logger:  logger,
		closed:  make(chan struct{}),
		ready:   make(chan struct{}),
	}
	li.group.SetLimit(maxRequestsInProgress)
	return li, nil
}

func (li *linuxInterceptor) Events() <-chan Event { return li.broker.ch }

func (li *linuxInterceptor) Ready() <-chan struct{} { return li.ready }

func (li *linuxInterceptor) Serve(ctx context.Context) error {
	defer li.broker.close()

	pollFds := []unix.PollFd{{Fd: int32(li.fd), Events: unix.POLLIN}}
	li.readyOnce.Do(func() { close(li.ready) })

	for {
		select {
		case <-ctx.Done():
			li.group.Wait() //nolint:errcheck
			return ctx.Err()
		case <-li.closed:
			li.group.Wait() //nolint:errcheck
			return nil
		default:
		}

		n, err := unix.Poll(pollFds, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("uffd poll: %w", err)
		}
		if n == 0 || pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var buf [32]byte // sizeof(struct uffd_msg): 1 (event) + 7 (pad) + 24 (arg)
		rn, err := syscall.Read(li.fd, buf[:])
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("uffd read: %w", err)
		}
		if rn < len(buf) {
			continue
		}

		msg := (*uffdMsg)(unsafe.Pointer(&buf[0]))
		if msg.Event != uffdEventPagefault {
			li.logger.Warn("unexpected uffd event type", zap.Uint8("event", msg.Event))
			continue
		}

		pf := (*uffdPagefault)(unsafe.Pointer(&msg.Arg[0]))
		addr := uintptr(pf.Address)
		write := pf.Flags&uffdPagefaultFlagWrite != 0

		if err := li.space.Validate(pageno.FromAddress(li.region.Base, addr)); err != nil {
			li.logger.Error("pagefault outside registered region", zap.Uintptr("addr", addr))
			continue
		}

		page := pageno.FromAddress(li.region.Base, addr)
		li.group.Go(func() error {
			li.broker.publish(Event{Page: page, Write: write})
			return nil
		})
	}
}

func (li *linuxInterceptor) CopyIntoPage(page pageno.Number, data []byte) error {
	if len(data) != pageno.Size {
		return pagererr.New(pagererr.ProtocolViolation, "copy payload size %d != %d", len(data), pageno.Size)
	}
	if err := li.space.Validate(page); err != nil {
		return err
	}
	c := uffdioCopyStruct{
		Dst:  uint64(page.Address(li.region.Base)),
		Src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len:  pageno.Size,
		Mode: 0,
	}
	if err := ioctl(li.fd, uffdioCopy, uintptr(unsafe.Pointer(&c))); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil // already mapped, benign per e2b-dev-infra's handling
		}
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "UFFDIO_COPY page %d", uint64(page))
	}
	return nil
}

func (li *linuxInterceptor) ZeroPage(page pageno.Number) error {
	if err := li.space.Validate(page); err != nil {
		return err
	}
	z := uffdioZeropageStruct{
		Range: uffdioRange{Start: uint64(page.Address(li.region.Base)), Len: pageno.Size},
	}
	if err := ioctl(li.fd, uffdioZeropage, uintptr(unsafe.Pointer(&z))); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil
		}
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "UFFDIO_ZEROPAGE page %d", uint64(page))
	}
	return nil
}

func (li *linuxInterceptor) WakeWithoutCopy(page pageno.Number) error {
	if err := li.space.Validate(page); err != nil {
		return err
	}
	r := uffdioRange{Start: uint64(page.Address(li.region.Base)), Len: pageno.Size}
	if err := ioctl(li.fd, uffdioWake, uintptr(unsafe.Pointer(&r))); err != nil {
		return pagererr.Wrap(pagererr.FaultFacilityUnavailable, err, "UFFDIO_WAKE page %d", uint64(page))
	}
	return nil
}

func (li *linuxInterceptor) ReadPage(page pageno.Number) ([]byte, error) {
	if err := li.space.Validate(page); err != nil {
		return nil, err
	}
	off := uint64(page) * pageno.Size
	out := make([]byte, pageno.Size)
	copy(out, li.mapping[off:off+pageno.Size])
	return out, nil
}

func (li *linuxInterceptor) WritePage(page pageno.Number, data []byte) error {
	if err := li.space.Validate(page); err != nil {
		return err
	}
	if len(data) != pageno.Size {
		return pagererr.New(pagererr.ProtocolViolation, "write payload size %d != %d", len(data), pageno.Size)
	}
	off := uint64(page) * pageno.Size
	copy(li.mapping[off:off+pageno.Size], data)
	return nil
}

func (li *linuxInterceptor) Close() error {
	li.closeOnce.Do(func() {
		close(li.closed)
	})
	unix.Munmap(li.mapping) //nolint:errcheck
	return unix.Close(li.fd)
}
