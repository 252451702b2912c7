package nativeusb

import "encoding/binary"

// ParseConfigDescriptor walks a raw configuration descriptor (as returned
// by a GET_DESCRIPTOR(CONFIGURATION) control request) and groups
// interface/endpoint descriptors by interface number, the way
// libusb_get_config_descriptor does.
//
// Adapted from the teacher's ConfigDescriptor.Unmarshal.
func ParseConfigDescriptor(data []byte) (ConfigDescriptor, error) {
	var cfg ConfigDescriptor
	if len(data) < 9 {
		return cfg, ErrInvalidParam
	}
	cfg.NumInterfaces = data[4]
	cfg.ConfigurationValue = data[5]

	byNumber := map[uint8]*Interface{}
	order := []uint8{}

	var cur *AltSetting
	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			break
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			if length < 9 {
				return cfg, ErrInvalidParam
			}
			alt := AltSetting{
				InterfaceNumber:  data[pos+2],
				AlternateSetting: data[pos+3],
				InterfaceClass:   data[pos+5],
				InterfaceSub:     data[pos+6],
				InterfaceProto:   data[pos+7],
			}
			iface, ok := byNumber[alt.InterfaceNumber]
			if !ok {
				iface = &Interface{}
				byNumber[alt.InterfaceNumber] = iface
				order = append(order, alt.InterfaceNumber)
			}
			iface.AltSettings = append(iface.AltSettings, alt)
			cur = &iface.AltSettings[len(iface.AltSettings)-1]

		case DescriptorTypeEndpoint:
			if length < 7 || cur == nil {
				break
			}
			ep := Endpoint{
				Address:       data[pos+2],
				Attributes:    data[pos+3],
				MaxPacketSize: binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:      data[pos+6],
			}
			cur.Endpoints = append(cur.Endpoints, ep)
		}

		pos += length
	}

	for _, n := range order {
		cfg.Interfaces = append(cfg.Interfaces, *byNumber[n])
	}
	return cfg, nil
}

// MaxPacketSize computes the effective max packet size from a raw
// wMaxPacketSize field: bits 0-10 are the packet size, bits 11-12 are
// the number of additional transactions per microframe for high-bandwidth
// high-speed endpoints (USB 2.0 spec 9.6.6).
func MaxPacketSize(wMaxPacketSize uint16) int {
	size := int(wMaxPacketSize & 0x7ff)
	mult := (wMaxPacketSize >> 11) & 0x3
	switch mult {
	case 1:
		return size * 2
	case 2:
		return size * 3
	default:
		return size
	}
}
