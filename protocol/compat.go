package protocol

import "encoding/binary"

// DeviceConnectHeaderNoDeviceVersion is the 8-byte legacy device-connect
// header, reproduced bit-exact from usbredirproto-compat.h for peers that
// have not advertised CapConnectDeviceVersion. Field order and widths are
// part of the wire contract and must not change.
type DeviceConnectHeaderNoDeviceVersion struct {
	Speed          uint8
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8
	VendorID       uint16
	ProductID      uint16
}

// DeviceConnectHeaderNoDeviceVersionSize is the packed wire size in bytes.
const DeviceConnectHeaderNoDeviceVersionSize = 8

// Marshal encodes h into its 8-byte little-endian wire form.
func (h DeviceConnectHeaderNoDeviceVersion) Marshal() [DeviceConnectHeaderNoDeviceVersionSize]byte {
	var buf [DeviceConnectHeaderNoDeviceVersionSize]byte
	buf[0] = h.Speed
	buf[1] = h.DeviceClass
	buf[2] = h.DeviceSubClass
	buf[3] = h.DeviceProtocol
	binary.LittleEndian.PutUint16(buf[4:6], h.VendorID)
	binary.LittleEndian.PutUint16(buf[6:8], h.ProductID)
	return buf
}

// FromDeviceConnectHeader drops the DeviceVersion field from a full
// DeviceConnectHeader, for sending to a peer lacking device-version
// capability (spec.md §12, "device-version capability gating").
func FromDeviceConnectHeader(h DeviceConnectHeader) DeviceConnectHeaderNoDeviceVersion {
	return DeviceConnectHeaderNoDeviceVersion{
		Speed:          h.Speed,
		DeviceClass:    h.DeviceClass,
		DeviceSubClass: h.DeviceSubClass,
		DeviceProtocol: h.DeviceProtocol,
		VendorID:       h.VendorID,
		ProductID:      h.ProductID,
	}
}
