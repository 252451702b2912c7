package redirect

import (
	"testing"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// fakeParser is a bare-bones protocol.Parser that only tracks what the
// tests below need: how many times a disconnect notice went out, and
// which capability the peer is pretending to have advertised.
type fakeParser struct {
	peerCaps        protocol.Capability
	disconnectCount int
	gotIsoStatus    *protocol.IsoStreamStatusHeader
}

func (f *fakeParser) SetHandlers(protocol.CommandHandlers)                 {}
func (f *fakeParser) PeerHasCapability(cap protocol.Capability) bool       { return f.peerCaps&cap != 0 }
func (f *fakeParser) HaveCapability(protocol.Capability) bool              { return true }
func (f *fakeParser) SendDeviceConnect(protocol.DeviceConnectHeader)       {}
func (f *fakeParser) SendDeviceConnectCompat(protocol.DeviceConnectHeaderNoDeviceVersion) {}
func (f *fakeParser) SendDeviceDisconnect()                                { f.disconnectCount++ }
func (f *fakeParser) SendInterfaceInfo(protocol.InterfaceInfoHeader)       {}
func (f *fakeParser) SendEndpointInfo(protocol.EndpointInfoHeader)         {}
func (f *fakeParser) SendConfigurationStatus(protocol.ConfigurationStatusHeader) {}
func (f *fakeParser) SendAltSettingStatus(protocol.AltSettingStatusHeader) {}
func (f *fakeParser) SendIsoStreamStatus(h protocol.IsoStreamStatusHeader) { f.gotIsoStatus = &h }
func (f *fakeParser) SendInterruptReceivingStatus(protocol.InterruptReceivingStatusHeader) {}
func (f *fakeParser) SendBulkStreamsStatus(protocol.BulkStreamsStatusHeader) {}
func (f *fakeParser) SendControlPacket(protocol.ControlPacketHeader, []byte) {}
func (f *fakeParser) SendBulkPacket(protocol.BulkPacketHeader, []byte)     {}
func (f *fakeParser) SendIsoPacket(protocol.IsoPacketHeader, []byte)       {}
func (f *fakeParser) SendInterruptPacket(protocol.InterruptPacketHeader, []byte) {}
func (f *fakeParser) FreePacketData([]byte)                                {}
func (f *fakeParser) DoRead() error                                       { return nil }
func (f *fakeParser) DoWrite() error                                      { return nil }
func (f *fakeParser) HasDataToWrite() bool                                { return false }
func (f *fakeParser) Log(int, string)                                     {}

func TestTranslateStatusMapping(t *testing.T) {
	fp := &fakeParser{}
	h := &Host{parser: fp, registry: newTransferRegistry()}

	cases := []struct {
		in   nativeusb.Status
		want protocol.Status
	}{
		{nativeusb.StatusCompleted, protocol.StatusSuccess},
		{nativeusb.StatusStall, protocol.StatusStall},
		{nativeusb.StatusCancelled, protocol.StatusCancelled},
		{nativeusb.StatusTimedOut, protocol.StatusTimeout},
	}
	for _, c := range cases {
		if got := h.translateStatus(c.in); got != c.want {
			t.Errorf("translateStatus(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	if fp.disconnectCount != 0 {
		t.Fatalf("non-disconnect statuses should not notify the peer, got %d", fp.disconnectCount)
	}
}

// TestTranslateStatusNoDeviceIsOneShot covers spec.md's invariant that
// once a disconnect has been signalled, no further device-disconnect
// packets are emitted until a successful rebind.
func TestTranslateStatusNoDeviceIsOneShot(t *testing.T) {
	fp := &fakeParser{peerCaps: protocol.CapDeviceDisconnectAck}
	h := &Host{parser: fp, registry: newTransferRegistry()}

	if got := h.translateStatus(nativeusb.StatusNoDevice); got != protocol.StatusIOError {
		t.Fatalf("translateStatus(NoDevice) = %v, want StatusIOError", got)
	}
	if fp.disconnectCount != 1 {
		t.Fatalf("disconnectCount = %d, want 1", fp.disconnectCount)
	}
	if !h.waitDiscon {
		t.Fatal("waitDiscon should be set when the peer advertised the ack capability")
	}

	// A second no-device observation must not re-notify the peer.
	h.translateStatus(nativeusb.StatusNoDevice)
	if fp.disconnectCount != 1 {
		t.Fatalf("disconnectCount after second NoDevice = %d, want still 1", fp.disconnectCount)
	}
}

func TestTranslateErrMapping(t *testing.T) {
	fp := &fakeParser{}
	h := &Host{parser: fp, registry: newTransferRegistry()}

	cases := []struct {
		in   error
		want protocol.Status
	}{
		{nil, protocol.StatusSuccess},
		{nativeusb.ErrTimeout, protocol.StatusTimeout},
		{nativeusb.ErrPipe, protocol.StatusStall},
		{nativeusb.ErrInvalidParam, protocol.StatusInval},
	}
	for _, c := range cases {
		if got := h.translateErr(c.in); got != c.want {
			t.Errorf("translateErr(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
