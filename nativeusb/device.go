//go:build linux

package nativeusb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Device identifies a USB device already enumerated by the kernel, before
// it has been opened. Adapted from the teacher's SysfsDevice/Device split
// (sysfs.go, device.go) but collapsed into a single discovery type, since
// the redirection engine only ever needs bus/address plus the raw
// descriptors it re-fetches on Open.
type Device struct {
	Bus     uint8
	Address uint8

	Descriptor DeviceDescriptor
}

func (d *Device) path() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.Bus, d.Address)
}

// EnumerateDevices lists every USB device currently visible in sysfs.
// Adapted from the teacher's SysfsEnumerator.EnumerateDevices.
func EnumerateDevices() ([]*Device, error) {
	const sysfsDir = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return nil, fmt.Errorf("nativeusb: read sysfs: %w", err)
	}

	var devices []*Device
	for _, entry := range entries {
		name := entry.Name()
		if strings.Contains(name, ":") {
			continue // interface node, not a device node
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}
		dev, err := loadSysfsDevice(filepath.Join(sysfsDir, name))
		if err == nil {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func loadSysfsDevice(sysfsPath string) (*Device, error) {
	readUint8 := func(name string) (uint8, error) {
		data, err := os.ReadFile(filepath.Join(sysfsPath, name))
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
		return uint8(v), err
	}
	readUint16Hex := func(name string) (uint16, error) {
		data, err := os.ReadFile(filepath.Join(sysfsPath, name))
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
		return uint16(v), err
	}

	dev := &Device{}
	var err error
	if dev.Bus, err = readUint8("busnum"); err != nil {
		return nil, err
	}
	if dev.Address, err = readUint8("devnum"); err != nil {
		return nil, err
	}
	dev.Descriptor.VendorID, _ = readUint16Hex("idVendor")
	dev.Descriptor.ProductID, _ = readUint16Hex("idProduct")
	dev.Descriptor.DeviceVersion, _ = readUint16Hex("bcdDevice")
	dev.Descriptor.DeviceClass, _ = readUint8("bDeviceClass")
	dev.Descriptor.DeviceSubClass, _ = readUint8("bDeviceSubClass")
	dev.Descriptor.DeviceProtocol, _ = readUint8("bDeviceProtocol")
	dev.Descriptor.MaxPacketSize0, _ = readUint8("bMaxPacketSize0")
	dev.Descriptor.NumConfigurations, _ = readUint8("bNumConfigurations")
	return dev, nil
}

// DeviceHandle is an opened USB device: a usbdevfs file descriptor plus
// the bookkeeping the reap loop needs to dispatch completions.
type DeviceHandle struct {
	dev *Device
	fd  int

	mu     sync.RWMutex
	closed bool

	claimed map[uint8]bool
}

// Open opens the device's usbdevfs node for control.
func (d *Device) Open() (*DeviceHandle, error) {
	fd, err := unixOpen(d.path())
	if err != nil {
		return nil, fmt.Errorf("nativeusb: open %s: %w", d.path(), err)
	}
	return &DeviceHandle{dev: d, fd: fd, claimed: map[uint8]bool{}}, nil
}

// Close releases the usbdevfs file descriptor. Interfaces must already be
// released by the caller (redirect.Host does this as part of clearDevice).
func (h *DeviceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return unixClose(h.fd)
}

// Device returns the handle's underlying device identity.
func (h *DeviceHandle) Device() *Device { return h.dev }

// GetDeviceDescriptor returns the cached device descriptor.
func (h *DeviceHandle) GetDeviceDescriptor() DeviceDescriptor {
	return h.dev.Descriptor
}

// ClaimInterface claims an interface for exclusive access, detaching any
// active kernel driver in the same call via USBDEVFS_DISCONNECT_CLAIM.
func (h *DeviceHandle) ClaimInterface(iface uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	if err := claimInterface(h.fd, iface); err != nil {
		return err
	}
	h.claimed[iface] = true
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (h *DeviceHandle) ReleaseInterface(iface uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	err := releaseInterface(h.fd, iface)
	delete(h.claimed, iface)
	return err
}

// DetachKernelDriver detaches an active kernel driver from iface. Not
// having one attached is tolerated (ENODATA/ENOENT from the kernel).
func (h *DeviceHandle) DetachKernelDriver(iface uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return detachKernelDriver(h.fd, iface)
}

// AttachKernelDriver reattaches the kernel driver for iface, if any.
func (h *DeviceHandle) AttachKernelDriver(iface uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return attachKernelDriver(h.fd, iface)
}

// SetInterfaceAltSetting selects an alternate setting on iface.
func (h *DeviceHandle) SetInterfaceAltSetting(iface, alt uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return setInterfaceAltSetting(h.fd, iface, alt)
}

// SetConfiguration selects the active device configuration by value.
func (h *DeviceHandle) SetConfiguration(value int) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return setConfiguration(h.fd, value)
}

// ClearHalt clears a stalled endpoint's halt condition and resets its
// data toggle.
func (h *DeviceHandle) ClearHalt(endpoint uint8) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return clearHalt(h.fd, endpoint)
}

// Reset issues a USB bus reset on the device.
func (h *DeviceHandle) Reset() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrNoDevice
	}
	return resetDevice(h.fd)
}

// Speed returns the negotiated link speed.
func (h *DeviceHandle) Speed() (Speed, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return SpeedUnknown, ErrNoDevice
	}
	return getSpeed(h.fd)
}

// ControlTransferSync performs a synchronous control transfer, used only
// for descriptor fetches and reading back the active configuration —
// everything on the data path goes through async Transfer.
func (h *DeviceHandle) ControlTransferSync(setup SetupPacket, data []byte, timeoutMS uint32) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrNoDevice
	}
	return controlTransferSync(h.fd, setup, data, timeoutMS)
}

// GetConfigDescriptor fetches and parses the configuration descriptor
// identified by configuration value (not index).
func (h *DeviceHandle) GetConfigDescriptor(value uint8) (ConfigDescriptor, error) {
	var header [9]byte
	setup := SetupPacket{
		RequestType: RequestTypeIn | RecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeConfig)<<8 | uint16(value-1),
		Length:      9,
	}
	n, err := h.ControlTransferSync(setup, header[:], 5000)
	if err != nil {
		return ConfigDescriptor{}, err
	}
	if n < 9 {
		return ConfigDescriptor{}, ErrIO
	}
	total := int(header[2]) | int(header[3])<<8

	full := make([]byte, total)
	setup.Length = uint16(total)
	n, err = h.ControlTransferSync(setup, full, 5000)
	if err != nil {
		return ConfigDescriptor{}, err
	}
	return ParseConfigDescriptor(full[:n])
}
