package redirect

import (
	"testing"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// TestIsoPacketStatusSplit covers spec.md §8's distinct iso-OUT error
// codes: a disconnected device is ioerror, but a type mismatch or a
// stream that was never started are both inval (the peer sending
// nonsense, not a device failure).
func TestIsoPacketStatusSplit(t *testing.T) {
	cases := []struct {
		name         string
		disconnected bool
		typ          protocol.EndpointType
		ring         *isoRing
		want         protocol.Status
	}{
		{"disconnected", true, protocol.EndpointTypeIso, &isoRing{}, protocol.StatusIOError},
		{"wrong_type", false, protocol.EndpointTypeBulk, &isoRing{}, protocol.StatusInval},
		{"not_started", false, protocol.EndpointTypeIso, nil, protocol.StatusInval},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fp := &fakeParser{}
			h := &Host{parser: fp, disconnected: c.disconnected}
			h.endpoints[EP2I(0x01)].typ = c.typ
			h.endpoints[EP2I(0x01)].iso = c.ring

			h.IsoPacket(protocol.IsoPacketHeader{Endpoint: 0x01}, nil)

			if fp.gotIsoStatus == nil {
				t.Fatal("no iso-stream-status sent")
			}
			if fp.gotIsoStatus.Status != c.want {
				t.Fatalf("status = %v, want %v", fp.gotIsoStatus.Status, c.want)
			}
		})
	}
}

func TestIsoTransferCountForBounds(t *testing.T) {
	for pkts := 1; pkts <= maxPktsPerTransfer; pkts++ {
		count := isoTransferCountFor(pkts)
		if count < minTransferCount || count > maxTransferCount {
			t.Fatalf("isoTransferCountFor(%d) = %d, out of [%d,%d]", pkts, count, minTransferCount, maxTransferCount)
		}
	}
}

func TestQueuedPacketsAllIdle(t *testing.T) {
	ring := &isoRing{
		pktsPerTransfer: 4,
		transferCount:   3,
		transfers: []*isoTransferRecord{
			{isoPacketIdx: 0},
			{isoPacketIdx: 2},
			{isoPacketIdx: 0},
		},
	}
	if got, want := ring.queuedPackets(), 2; got != want {
		t.Fatalf("queuedPackets() = %d, want %d", got, want)
	}
}

func TestQueuedPacketsWithSubmittedSlots(t *testing.T) {
	ring := &isoRing{
		pktsPerTransfer: 4,
		transferCount:   3,
		transfers: []*isoTransferRecord{
			{isoPacketIdx: isoPacketSubmitted}, // counts as a full slot (4)
			{isoPacketIdx: 1},
			{isoPacketIdx: 0},
		},
	}
	if got, want := ring.queuedPackets(), 5; got != want {
		t.Fatalf("queuedPackets() = %d, want %d", got, want)
	}
}

func TestCheckIsoOutUnderflowResetsWhenNothingSubmitted(t *testing.T) {
	h := &Host{}
	ring := &isoRing{
		pktsPerTransfer: 4,
		transferCount:   2,
		outIdx:          1,
		started:         true,
		dropPackets:     3,
		transfers: []*isoTransferRecord{
			{isoPacketIdx: 2},
			{isoPacketIdx: 1},
		},
	}
	h.endpoints[0].iso = ring
	h.checkIsoOutUnderflow(0)

	if ring.started || ring.outIdx != 0 || ring.dropPackets != 0 {
		t.Fatalf("ring not reset: started=%v outIdx=%d dropPackets=%d", ring.started, ring.outIdx, ring.dropPackets)
	}
	for i, tr := range ring.transfers {
		if tr.isoPacketIdx != 0 {
			t.Errorf("transfers[%d].isoPacketIdx = %d, want 0", i, tr.isoPacketIdx)
		}
	}
}

// TestHandleIsoStatusNoDeviceAndCancelledDoNotResubmit covers the
// review fix: a no-device or cancelled whole-URB status must stop the
// stream outright rather than falling through to the generic
// packet-borked path (which would otherwise resubmit an IN URB against
// a device that's already gone).
func TestHandleIsoStatusNoDeviceAndCancelledDoNotResubmit(t *testing.T) {
	fp := &fakeParser{}
	h := &Host{parser: fp}

	if got := h.handleIsoStatus(EP2I(0x81), 0x81, nativeusb.StatusNoDevice); got != isoOutcomeStreamBorked {
		t.Fatalf("handleIsoStatus(NoDevice) = %v, want isoOutcomeStreamBorked", got)
	}
	if fp.disconnectCount != 1 {
		t.Fatalf("disconnectCount = %d, want 1 (NoDevice must notify the peer)", fp.disconnectCount)
	}

	fp2 := &fakeParser{}
	h2 := &Host{parser: fp2}
	if got := h2.handleIsoStatus(EP2I(0x81), 0x81, nativeusb.StatusCancelled); got != isoOutcomeStreamBorked {
		t.Fatalf("handleIsoStatus(Cancelled) = %v, want isoOutcomeStreamBorked", got)
	}
	if fp2.disconnectCount != 0 {
		t.Fatal("a cancelled stream should not trigger a disconnect notice")
	}
}

func TestCheckIsoOutUnderflowLeavesSubmittedRingAlone(t *testing.T) {
	h := &Host{}
	ring := &isoRing{
		pktsPerTransfer: 4,
		transferCount:   2,
		outIdx:          1,
		started:         true,
		transfers: []*isoTransferRecord{
			{isoPacketIdx: isoPacketSubmitted},
			{isoPacketIdx: 1},
		},
	}
	h.endpoints[0].iso = ring
	h.checkIsoOutUnderflow(0)

	if !ring.started || ring.outIdx != 1 {
		t.Fatalf("ring should be untouched while a slot is still submitted: started=%v outIdx=%d", ring.started, ring.outIdx)
	}
}
