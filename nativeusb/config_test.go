package nativeusb

import "testing"

// buildConfig constructs a minimal raw configuration descriptor: a 9-byte
// config header, one interface descriptor, and one endpoint descriptor.
func buildConfig(ifaceNum, altSetting uint8, epAddr uint8, maxPkt uint16) []byte {
	cfg := []byte{
		9, DescriptorTypeConfig, 0, 0, // wTotalLength patched below
		1, 1, 0, 0x80, 0,
	}
	iface := []byte{
		9, DescriptorTypeInterface,
		ifaceNum, altSetting,
		1, // bNumEndpoints
		0x08, 0x06, 0x50, // class/subclass/protocol (mass storage/SCSI/bulk-only)
		0,
	}
	ep := []byte{
		7, DescriptorTypeEndpoint,
		epAddr, 0x02, // bulk
		byte(maxPkt), byte(maxPkt >> 8),
		0,
	}
	full := append(append(cfg, iface...), ep...)
	full[2] = byte(len(full))
	full[3] = byte(len(full) >> 8)
	return full
}

func TestParseConfigDescriptor(t *testing.T) {
	raw := buildConfig(0, 0, 0x81, 512)
	cfg, err := ParseConfigDescriptor(raw)
	if err != nil {
		t.Fatalf("ParseConfigDescriptor: %v", err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(cfg.Interfaces))
	}
	iface := cfg.Interfaces[0]
	if len(iface.AltSettings) != 1 {
		t.Fatalf("got %d alt settings, want 1", len(iface.AltSettings))
	}
	as := iface.AltSettings[0]
	if as.InterfaceClass != 0x08 || as.InterfaceSub != 0x06 || as.InterfaceProto != 0x50 {
		t.Fatalf("unexpected class triple: %+v", as)
	}
	if len(as.Endpoints) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(as.Endpoints))
	}
	ep := as.Endpoints[0]
	if ep.Address != 0x81 || ep.MaxPacketSize != 512 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if ep.Type() != TransferTypeBulk {
		t.Fatalf("got type %v, want bulk", ep.Type())
	}
	if iface.Number() != 0 {
		t.Fatalf("got interface number %d, want 0", iface.Number())
	}
}

func TestParseConfigDescriptorShort(t *testing.T) {
	if _, err := ParseConfigDescriptor([]byte{1, 2, 3}); err != ErrInvalidParam {
		t.Fatalf("got err %v, want ErrInvalidParam", err)
	}
}

func TestMaxPacketSizeMultiplier(t *testing.T) {
	cases := []struct {
		raw  uint16
		want int
	}{
		{0x0040, 64},
		{0x0800 | 64, 128},  // mult=1 -> x2
		{0x1000 | 64, 192},  // mult=2 -> x3
	}
	for _, c := range cases {
		if got := MaxPacketSize(c.raw); got != c.want {
			t.Errorf("MaxPacketSize(0x%04x) = %d, want %d", c.raw, got, c.want)
		}
	}
}
