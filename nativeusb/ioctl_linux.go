//go:build linux

package nativeusb

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbdevfs ioctl request codes (linux/usbdevice_fs.h). Grounded on the
// teacher's device.go/isochronous.go constant block; kept as raw request
// codes rather than re-deriving them with the _IOC macros, matching the
// teacher's own style.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsSetInterface     = 0x80085504
	usbdevfsClearHalt        = 0x80045515
	usbdevfsResetEP          = 0x80045503
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURBNDelay    = 0x4008550d
	usbdevfsDisconnect       = 0x00005516
	usbdevfsConnect          = 0x00005517
	usbdevfsDisconnectClaim  = 0x8108551b
	usbdevfsGetSpeed         = 0x0000551f
	usbdevfsReset            = 0x00005514
)

const disconnectClaimIfDriver = 0x01

// urbType values for struct usbdevfs_urb.type.
const (
	urbTypeISO       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

const urbISOASAP = 0x02

// isoPacketDesc mirrors struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       uint32
}

// urb mirrors struct usbdevfs_urb (minus the trailing flexible array of
// isoPacketDesc, which Submit appends separately). UserContext carries the
// reapRegistry id for the submission, so dispatch can look up the Go-side
// bookkeeping for a completed kernel URB with a single map lookup.
type urb struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          uintptr
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return r, mapErrno(errno)
	}
	return r, nil
}

func mapErrno(errno unix.Errno) error {
	switch errno {
	case unix.ENODEV, unix.ENXIO:
		return ErrNoDevice
	case unix.ENOENT, unix.ENODATA:
		return ErrNotFound
	case unix.EBUSY:
		return ErrBusy
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.EINVAL:
		return ErrInvalidParam
	case unix.EPIPE:
		return ErrPipe
	case unix.EINTR:
		return ErrInterrupted
	case unix.ENOMEM:
		return ErrNoMemory
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrNotSupported
	case unix.EOVERFLOW:
		return ErrOverflow
	case unix.EAGAIN:
		return errAgain
	default:
		return ErrIO
	}
}
