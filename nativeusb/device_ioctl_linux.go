//go:build linux

package nativeusb

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func unixOpen(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, mapErrno(err.(unix.Errno))
	}
	return fd, nil
}

func unixClose(fd int) error {
	return unix.Close(fd)
}

type usbfsSetInterface struct {
	Interface  uint32
	AltSetting uint32
}

type usbfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        uintptr
}

type usbfsDisconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

func claimInterface(fd int, iface uint8) error {
	// USBDEVFS_DISCONNECT_CLAIM detaches any active kernel driver and
	// claims the interface in one ioctl, avoiding the detach/claim race
	// the teacher's separate DetachKernelDriver+ClaimInterface has.
	req := usbfsDisconnectClaim{Interface: uint32(iface), Flags: 0}
	_, err := ioctl(fd, usbdevfsDisconnectClaim, unsafe.Pointer(&req))
	if err == ErrNotSupported {
		ifaceNum := uint32(iface)
		_, err = ioctl(fd, usbdevfsClaimInterface, unsafe.Pointer(&ifaceNum))
	}
	return err
}

func releaseInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	_, err := ioctl(fd, usbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
	return err
}

func detachKernelDriver(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	_, err := ioctl(fd, usbdevfsDisconnect, unsafe.Pointer(&ifaceNum))
	if err == ErrNotFound {
		return nil // no driver attached, nothing to do
	}
	return err
}

func attachKernelDriver(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	_, err := ioctl(fd, usbdevfsConnect, unsafe.Pointer(&ifaceNum))
	return err
}

func setInterfaceAltSetting(fd int, iface, alt uint8) error {
	req := usbfsSetInterface{Interface: uint32(iface), AltSetting: uint32(alt)}
	_, err := ioctl(fd, usbdevfsSetInterface, unsafe.Pointer(&req))
	return err
}

func setConfiguration(fd int, value int) error {
	cfg := uint32(value)
	_, err := ioctl(fd, usbdevfsSetConfiguration, unsafe.Pointer(&cfg))
	return err
}

func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctl(fd, usbdevfsClearHalt, unsafe.Pointer(&ep))
	return err
}

func resetDevice(fd int) error {
	_, err := ioctl(fd, usbdevfsReset, nil)
	return err
}

func getSpeed(fd int) (Speed, error) {
	// USBDEVFS_GET_SPEED takes no argument; the speed is the ioctl's
	// return value.
	r, err := ioctl(fd, usbdevfsGetSpeed, nil)
	if err != nil {
		return SpeedUnknown, err
	}
	return Speed(r), nil
}

func controlTransferSync(fd int, setup SetupPacket, data []byte, timeoutMS uint32) (int, error) {
	var dataPtr uintptr
	if len(data) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&data[0]))
	}
	ctrl := usbfsCtrlTransfer{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
		Timeout:     timeoutMS,
		Data:        dataPtr,
	}
	n, err := ioctl(fd, usbdevfsControl, unsafe.Pointer(&ctrl))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
