package redirect

import "github.com/usbredirhost/usbredirhost/protocol"

// maxEndpoints is the size of the compact endpoint table: 16 numbers ×
// 2 directions.
const maxEndpoints = 32

// maxInterfaces bounds bNumInterfaces for a claimable configuration.
const maxInterfaces = 32

// EP2I converts an 8-bit endpoint address (direction bit in bit 7, number
// in bits 0-3) into a compact 0..31 table index.
func EP2I(addr uint8) int {
	return int((addr&0x80)>>3) | int(addr&0x0f)
}

// I2EP is the inverse of EP2I.
func I2EP(index int) uint8 {
	return uint8((index&0x10)<<3) | uint8(index&0x0f)
}

// isoRing holds the iso-ring state for one isochronous endpoint (spec.md
// §3, "Endpoint slot"). It is nil for any endpoint that has never had
// start_iso_stream called.
type isoRing struct {
	transfers       []*isoTransferRecord
	pktsPerTransfer int
	transferCount   int
	outIdx          int
	started         bool
	dropPackets     int
}

// endpointSlot is one entry of the fixed 32-entry endpoint table.
type endpointSlot struct {
	typ           protocol.EndpointType
	interval      uint8
	iface         uint8 // owning USB interface number, not a compact index
	maxPacketSize uint16

	iso         *isoRing
	interruptIn *interruptRecord
}

func newEndpointTable() [maxEndpoints]endpointSlot {
	var t [maxEndpoints]endpointSlot
	for i := range t {
		t[i].typ = protocol.EndpointTypeInvalid
	}
	t[EP2I(0x00)].typ = protocol.EndpointTypeControl
	t[EP2I(0x80)].typ = protocol.EndpointTypeControl
	return t
}

// maxPacketSize implements the wMaxPacketSize -> byte-count formula from
// spec.md §3: low 11 bits is the base size, bits 11-12 select a
// per-microframe transaction multiplier of 1/2/3 (high-speed/SuperSpeed
// high-bandwidth endpoints).
func maxPacketSize(wMaxPacketSize uint16) uint16 {
	base := wMaxPacketSize & 0x7ff
	mult := uint16(1)
	switch (wMaxPacketSize >> 11) & 0x3 {
	case 1:
		mult = 2
	case 2:
		mult = 3
	}
	return base * mult
}
