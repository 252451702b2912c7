package redirect

import (
	"testing"

	"github.com/usbredirhost/usbredirhost/protocol"
)

func TestAllStreamsEmptyQuiescent(t *testing.T) {
	h := &Host{registry: newTransferRegistry()}
	if !h.allStreamsEmpty() {
		t.Fatal("fresh host should report all streams empty")
	}

	h.endpoints[EP2I(0x81)].iso = &isoRing{}
	if h.allStreamsEmpty() {
		t.Fatal("a live iso ring should make allStreamsEmpty false")
	}
	h.endpoints[EP2I(0x81)].iso = nil

	h.endpoints[EP2I(0x82)].interruptIn = &interruptRecord{}
	if h.allStreamsEmpty() {
		t.Fatal("a live interrupt-in slot should make allStreamsEmpty false")
	}
}

// TestClearDeviceQuiescentInvariant checks that a fresh, never-bound Host
// already satisfies the state clear_device leaves behind: registry empty,
// every stream slot nil, and cancelsPending zero. It does not call
// clearDevice itself.
func TestClearDeviceQuiescentInvariant(t *testing.T) {
	h := &Host{registry: newTransferRegistry()}
	if !h.registry.empty() || h.cancelsPend != 0 || !h.allStreamsEmpty() {
		t.Fatal("fresh host is not quiescent")
	}
}

func TestCancelDataPacketMissIsNoop(t *testing.T) {
	h := &Host{registry: newTransferRegistry()}
	// No transfer registered under this id: must return without touching
	// h.usbCtx (nil here, so a dereference would panic the test).
	h.CancelDataPacket(protocol.CancelDataPacketHeader{ID: 123})
}
