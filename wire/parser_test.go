package wire

import (
	"bytes"
	"testing"

	"github.com/usbredirhost/usbredirhost/protocol"
)

// loopback is a protocol.Transport backed by a single buffer that both
// Write and Read use, so a Parser's writes can be read back by decoding
// its own frames.
type loopback struct {
	out bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)   { return l.out.Read(p) }

type fakeHandlers struct {
	gotControl   *protocol.ControlPacketHeader
	gotAlt       *protocol.SetAltSettingHeader
	gotReset     bool
	gotFilter    protocol.FilterRuleList
}

func (f *fakeHandlers) Hello(protocol.HelloHeader)                               {}
func (f *fakeHandlers) Reset()                                                   { f.gotReset = true }
func (f *fakeHandlers) SetConfiguration(protocol.SetConfigurationHeader)         {}
func (f *fakeHandlers) GetConfiguration()                                        {}
func (f *fakeHandlers) SetAltSetting(h protocol.SetAltSettingHeader)             { f.gotAlt = &h }
func (f *fakeHandlers) GetAltSetting(protocol.GetAltSettingHeader)               {}
func (f *fakeHandlers) StartIsoStream(protocol.StartIsoStreamHeader)             {}
func (f *fakeHandlers) StopIsoStream(protocol.StopIsoStreamHeader)               {}
func (f *fakeHandlers) StartInterruptReceiving(protocol.StartInterruptReceivingHeader) {}
func (f *fakeHandlers) StopInterruptReceiving(protocol.StopInterruptReceivingHeader)   {}
func (f *fakeHandlers) AllocBulkStreams(protocol.AllocBulkStreamsHeader)         {}
func (f *fakeHandlers) FreeBulkStreams(protocol.FreeBulkStreamsHeader)           {}
func (f *fakeHandlers) CancelDataPacket(protocol.CancelDataPacketHeader)         {}
func (f *fakeHandlers) FilterReject(protocol.FilterRejectHeader)                 {}
func (f *fakeHandlers) FilterFilter(rules protocol.FilterRuleList)               { f.gotFilter = rules }
func (f *fakeHandlers) DeviceDisconnectAck()                                     {}
func (f *fakeHandlers) ControlPacket(h protocol.ControlPacketHeader, data []byte) { f.gotControl = &h }
func (f *fakeHandlers) BulkPacket(protocol.BulkPacketHeader, []byte)             {}
func (f *fakeHandlers) IsoPacket(protocol.IsoPacketHeader, []byte)               {}
func (f *fakeHandlers) InterruptPacket(protocol.InterruptPacketHeader, []byte)   {}

func TestParserControlPacketRoundTrip(t *testing.T) {
	lb := &loopback{}
	p := New(lb, "test", protocol.CapConnectDeviceVersion)
	h := &fakeHandlers{}
	p.SetHandlers(h)

	want := protocol.ControlPacketHeader{
		ID: 42, Endpoint: 0x80, RequestType: 0x80, Request: 6,
		Value: 0x0100, Index: 0, Length: 18, Status: protocol.StatusSuccess,
	}
	payload := []byte{1, 2, 3, 4}
	p.SendControlPacket(want, payload)
	if err := p.DoWrite(); err != nil {
		t.Fatalf("DoWrite: %v", err)
	}
	if err := p.DoRead(); err != nil {
		t.Fatalf("DoRead: %v", err)
	}

	if h.gotControl == nil {
		t.Fatal("handler never received ControlPacket")
	}
	if *h.gotControl != want {
		t.Fatalf("got %+v, want %+v", *h.gotControl, want)
	}
}

func TestParserSetAltSettingRoundTrip(t *testing.T) {
	lb := &loopback{}
	p := New(lb, "test", 0)
	h := &fakeHandlers{}
	p.SetHandlers(h)

	p.dispatch(protocol.PacketSetAltSetting, encodeSetAltSetting(3, 1))
	if h.gotAlt == nil || h.gotAlt.Interface != 3 || h.gotAlt.AltSetting != 1 {
		t.Fatalf("got %+v, want {3 1}", h.gotAlt)
	}
}

func TestParserHelloUpdatesPeerCapabilities(t *testing.T) {
	lb := &loopback{}
	p := New(lb, "local", protocol.CapFilter)
	h := &fakeHandlers{}
	p.SetHandlers(h)

	peer := New(&loopback{}, "peer", protocol.CapBulkStreams|protocol.CapFilter)
	peer.SendHello()

	// Feed the peer's queued hello frame directly into p's transport.
	lb.out.Write(peer.writeBuf.Bytes())
	if err := p.DoRead(); err != nil {
		t.Fatalf("DoRead: %v", err)
	}
	if !p.PeerHasCapability(protocol.CapBulkStreams) {
		t.Fatal("peer capability not recorded")
	}
}

func encodeSetAltSetting(iface, alt uint8) []byte {
	return []byte{iface, alt}
}
