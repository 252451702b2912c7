package protocol

import (
	"encoding/hex"
	"testing"
)

func TestDeviceConnectHeaderNoDeviceVersionMarshal(t *testing.T) {
	tests := []struct {
		name string
		h    DeviceConnectHeaderNoDeviceVersion
		want string // hex encoded, little-endian per usbredirproto-compat.h
	}{
		{
			name: "high_speed_hub",
			h: DeviceConnectHeaderNoDeviceVersion{
				Speed:          2,
				DeviceClass:    9,
				DeviceSubClass: 0,
				DeviceProtocol: 1,
				VendorID:       0x1d6b,
				ProductID:      0x0002,
			},
			want: "020900016b1d0200",
		},
		{
			name: "zero_value",
			h:    DeviceConnectHeaderNoDeviceVersion{},
			want: "0000000000000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.h.Marshal()
			gotHex := hex.EncodeToString(got[:])
			if gotHex != tt.want {
				t.Errorf("Marshal() = %s, want %s", gotHex, tt.want)
			}
			if len(got) != DeviceConnectHeaderNoDeviceVersionSize {
				t.Errorf("len(Marshal()) = %d, want %d", len(got), DeviceConnectHeaderNoDeviceVersionSize)
			}
		})
	}
}

func TestFromDeviceConnectHeaderDropsVersion(t *testing.T) {
	full := DeviceConnectHeader{
		Speed:          3,
		DeviceClass:    8,
		DeviceSubClass: 6,
		DeviceProtocol: 80,
		VendorID:       0x0781,
		ProductID:      0x5567,
		DeviceVersion:  0x0100,
	}
	compat := FromDeviceConnectHeader(full)
	if compat.Speed != full.Speed || compat.DeviceClass != full.DeviceClass ||
		compat.DeviceSubClass != full.DeviceSubClass || compat.DeviceProtocol != full.DeviceProtocol ||
		compat.VendorID != full.VendorID || compat.ProductID != full.ProductID {
		t.Errorf("FromDeviceConnectHeader(%+v) = %+v, fields diverge", full, compat)
	}
}
