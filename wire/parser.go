package wire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/usbredirhost/usbredirhost/protocol"
)

// Parser is a length-prefixed binary protocol.Parser over any
// protocol.Transport (package doc has the wire-compatibility caveat).
type Parser struct {
	transport protocol.Transport
	handlers  protocol.CommandHandlers

	mu        sync.Mutex
	localCaps protocol.Capability
	peerCaps  protocol.Capability
	peerKnown bool

	versionString string
	logFn         func(level int, msg string)

	writeBuf bytes.Buffer
	readBuf  []byte
}

// New constructs a Parser that will advertise localCaps in its hello
// packet once the caller sends one (cmd/usbredirhostd does this at
// connection setup, mirroring usbredirparser_init).
func New(t protocol.Transport, versionString string, localCaps protocol.Capability) *Parser {
	return &Parser{
		transport:     t,
		localCaps:     localCaps,
		versionString: versionString,
		logFn:         func(int, string) {},
	}
}

// SetLogFunc overrides the default no-op Log sink.
func (p *Parser) SetLogFunc(fn func(level int, msg string)) { p.logFn = fn }

func (p *Parser) SetHandlers(h protocol.CommandHandlers) { p.handlers = h }

func (p *Parser) PeerHasCapability(cap protocol.Capability) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerCaps&cap != 0
}

func (p *Parser) HaveCapability(cap protocol.Capability) bool {
	return p.localCaps&cap != 0
}

func (p *Parser) Log(level int, msg string) { p.logFn(level, msg) }

func (p *Parser) HasDataToWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.Len() > 0
}

// DoWrite flushes every queued frame to the transport in one call.
func (p *Parser) DoWrite() error {
	p.mu.Lock()
	pending := p.writeBuf.Bytes()
	if len(pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	out := append([]byte(nil), pending...)
	p.writeBuf.Reset()
	p.mu.Unlock()

	for len(out) > 0 {
		n, err := p.transport.Write(out)
		if err != nil {
			return fmt.Errorf("wire: write: %w", err)
		}
		out = out[n:]
	}
	return nil
}

// readChunkSize is how much DoRead asks the transport for per call; a
// short read just means fewer frames parse out this round.
const readChunkSize = 64 * 1024

// DoRead performs one Read on the transport and dispatches every
// complete frame that results (spec.md §6, "do_read").
func (p *Parser) DoRead() error {
	chunk := make([]byte, readChunkSize)
	n, err := p.transport.Read(chunk)
	if n > 0 {
		p.mu.Lock()
		p.readBuf = append(p.readBuf, chunk[:n]...)
		p.mu.Unlock()
		p.drainFrames()
	}
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("wire: read: %w", err)
	}
	return nil
}

func (p *Parser) drainFrames() {
	for {
		p.mu.Lock()
		if len(p.readBuf) < frameHeaderSize {
			p.mu.Unlock()
			return
		}
		typ := uint32(p.readBuf[0]) | uint32(p.readBuf[1])<<8 | uint32(p.readBuf[2])<<16 | uint32(p.readBuf[3])<<24
		length := uint32(p.readBuf[4]) | uint32(p.readBuf[5])<<8 | uint32(p.readBuf[6])<<16 | uint32(p.readBuf[7])<<24
		if len(p.readBuf) < frameHeaderSize+int(length) {
			p.mu.Unlock()
			return
		}
		payload := p.readBuf[frameHeaderSize : frameHeaderSize+int(length)]
		rest := append([]byte(nil), p.readBuf[frameHeaderSize+int(length):]...)
		p.readBuf = rest
		p.mu.Unlock()

		p.dispatch(protocol.PacketType(typ), payload)
	}
}

// frame appends one encoded packet to the pending write buffer. Caller
// must not hold p.mu.
func (p *Parser) frame(typ protocol.PacketType, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var hdr [frameHeaderSize]byte
	t := uint32(typ)
	hdr[0], hdr[1], hdr[2], hdr[3] = byte(t), byte(t>>8), byte(t>>16), byte(t>>24)
	l := uint32(len(payload))
	hdr[4], hdr[5], hdr[6], hdr[7] = byte(l), byte(l>>8), byte(l>>16), byte(l>>24)
	p.writeBuf.Write(hdr[:])
	p.writeBuf.Write(payload)
}

// SendHello queues the local hello packet. Not part of protocol.Parser
// (the peer's hello only ever arrives via dispatch, decoded below); the
// caller invokes this once, right after New, to start the handshake.
func (p *Parser) SendHello() {
	var buf bytes.Buffer
	putString(&buf, p.versionString)
	putU32(&buf, uint32(p.localCaps))
	p.frame(protocol.PacketHello, buf.Bytes())
}

func (p *Parser) SendDeviceConnect(h protocol.DeviceConnectHeader) {
	var buf bytes.Buffer
	putU8(&buf, h.Speed)
	putU8(&buf, h.DeviceClass)
	putU8(&buf, h.DeviceSubClass)
	putU8(&buf, h.DeviceProtocol)
	putU16(&buf, h.VendorID)
	putU16(&buf, h.ProductID)
	putU16(&buf, h.DeviceVersion)
	p.frame(protocol.PacketDeviceConnect, buf.Bytes())
}

func (p *Parser) SendDeviceConnectCompat(h protocol.DeviceConnectHeaderNoDeviceVersion) {
	raw := h.Marshal()
	p.frame(protocol.PacketDeviceConnect, raw[:])
}

func (p *Parser) SendDeviceDisconnect() {
	p.frame(protocol.PacketDeviceDisconnect, nil)
}

func (p *Parser) SendInterfaceInfo(h protocol.InterfaceInfoHeader) {
	var buf bytes.Buffer
	putU32(&buf, uint32(h.InterfaceCount))
	for i := 0; i < h.InterfaceCount; i++ {
		putU8(&buf, h.Interface[i])
		putU8(&buf, h.InterfaceClass[i])
		putU8(&buf, h.InterfaceSub[i])
		putU8(&buf, h.InterfaceProto[i])
	}
	p.frame(protocol.PacketInterfaceInfo, buf.Bytes())
}

func (p *Parser) SendEndpointInfo(h protocol.EndpointInfoHeader) {
	var buf bytes.Buffer
	for i := 0; i < len(h.Type); i++ {
		putU8(&buf, uint8(h.Type[i]))
		putU8(&buf, h.Interval[i])
		putU8(&buf, h.Interface[i])
		putU16(&buf, h.MaxPacketSize[i])
	}
	p.frame(protocol.PacketEndpointInfo, buf.Bytes())
}

func (p *Parser) SendConfigurationStatus(h protocol.ConfigurationStatusHeader) {
	var buf bytes.Buffer
	putU32(&buf, uint32(h.Status))
	putU8(&buf, h.Configuration)
	p.frame(protocol.PacketConfigurationStatus, buf.Bytes())
}

func (p *Parser) SendAltSettingStatus(h protocol.AltSettingStatusHeader) {
	var buf bytes.Buffer
	putU32(&buf, uint32(h.Status))
	putU8(&buf, h.Interface)
	putU8(&buf, h.AltSetting)
	p.frame(protocol.PacketAltSettingStatus, buf.Bytes())
}

func (p *Parser) SendIsoStreamStatus(h protocol.IsoStreamStatusHeader) {
	var buf bytes.Buffer
	putU8(&buf, h.Endpoint)
	putU32(&buf, uint32(h.Status))
	p.frame(protocol.PacketIsoStreamStatus, buf.Bytes())
}

func (p *Parser) SendInterruptReceivingStatus(h protocol.InterruptReceivingStatusHeader) {
	var buf bytes.Buffer
	putU8(&buf, h.Endpoint)
	putU32(&buf, uint32(h.Status))
	p.frame(protocol.PacketInterruptReceivingStatus, buf.Bytes())
}

func (p *Parser) SendBulkStreamsStatus(h protocol.BulkStreamsStatusHeader) {
	var buf bytes.Buffer
	putU32(&buf, uint32(h.Status))
	putU32(&buf, uint32(h.EndpointCount))
	for _, e := range h.Endpoints {
		putU8(&buf, e)
	}
	p.frame(protocol.PacketBulkStreamsStatus, buf.Bytes())
}

func (p *Parser) SendControlPacket(h protocol.ControlPacketHeader, data []byte) {
	var buf bytes.Buffer
	putU32(&buf, h.ID)
	putU8(&buf, h.Endpoint)
	putU8(&buf, h.RequestType)
	putU8(&buf, h.Request)
	putU16(&buf, h.Value)
	putU16(&buf, h.Index)
	putU16(&buf, h.Length)
	putU32(&buf, uint32(h.Status))
	putBytes(&buf, data)
	p.frame(protocol.PacketControl, buf.Bytes())
}

func (p *Parser) SendBulkPacket(h protocol.BulkPacketHeader, data []byte) {
	var buf bytes.Buffer
	putU32(&buf, h.ID)
	putU8(&buf, h.Endpoint)
	putU32(&buf, uint32(h.Status))
	putU16(&buf, h.Length)
	putU32(&buf, h.StreamID)
	putBytes(&buf, data)
	p.frame(protocol.PacketBulk, buf.Bytes())
}

func (p *Parser) SendIsoPacket(h protocol.IsoPacketHeader, data []byte) {
	var buf bytes.Buffer
	putU8(&buf, h.Endpoint)
	putU32(&buf, uint32(h.Status))
	putU16(&buf, h.Length)
	putBytes(&buf, data)
	p.frame(protocol.PacketIso, buf.Bytes())
}

func (p *Parser) SendInterruptPacket(h protocol.InterruptPacketHeader, data []byte) {
	var buf bytes.Buffer
	putU32(&buf, h.ID)
	putU8(&buf, h.Endpoint)
	putU32(&buf, uint32(h.Status))
	putU16(&buf, h.Length)
	putBytes(&buf, data)
	p.frame(protocol.PacketInterrupt, buf.Bytes())
}

// FreePacketData is a no-op: every buffer handed to CommandHandlers below
// is this package's own copy (decoder.bytes allocates fresh), so there is
// nothing shared with the read path left to release.
func (p *Parser) FreePacketData([]byte) {}

// dispatch decodes one complete frame and calls the matching
// CommandHandlers method, or updates Parser's own state for hello.
func (p *Parser) dispatch(typ protocol.PacketType, payload []byte) {
	if typ == protocol.PacketHello {
		d := newDecoder(payload)
		_ = d.str() // peer version string, informational only
		caps := protocol.Capability(d.u32())
		p.mu.Lock()
		p.peerCaps = caps
		p.peerKnown = true
		p.mu.Unlock()
		if p.handlers != nil {
			p.handlers.Hello(protocol.HelloHeader{Capabilities: caps})
		}
		return
	}
	if p.handlers == nil {
		return
	}
	d := newDecoder(payload)
	switch typ {
	case protocol.PacketReset:
		p.handlers.Reset()
	case protocol.PacketSetConfiguration:
		p.handlers.SetConfiguration(protocol.SetConfigurationHeader{Configuration: d.u8()})
	case protocol.PacketGetConfiguration:
		p.handlers.GetConfiguration()
	case protocol.PacketSetAltSetting:
		p.handlers.SetAltSetting(protocol.SetAltSettingHeader{Interface: d.u8(), AltSetting: d.u8()})
	case protocol.PacketGetAltSetting:
		p.handlers.GetAltSetting(protocol.GetAltSettingHeader{Interface: d.u8()})
	case protocol.PacketStartIsoStream:
		p.handlers.StartIsoStream(protocol.StartIsoStreamHeader{
			Endpoint: d.u8(), PktsPerURB: d.u8(), NoDropIfStopped: d.u8(),
		})
	case protocol.PacketStopIsoStream:
		p.handlers.StopIsoStream(protocol.StopIsoStreamHeader{Endpoint: d.u8()})
	case protocol.PacketStartInterruptReceiving:
		p.handlers.StartInterruptReceiving(protocol.StartInterruptReceivingHeader{Endpoint: d.u8()})
	case protocol.PacketStopInterruptReceiving:
		p.handlers.StopInterruptReceiving(protocol.StopInterruptReceivingHeader{Endpoint: d.u8()})
	case protocol.PacketAllocBulkStreams:
		count := int(d.u32())
		eps := make([]uint8, count)
		for i := range eps {
			eps[i] = d.u8()
		}
		p.handlers.AllocBulkStreams(protocol.AllocBulkStreamsHeader{
			EndpointCount: count, Endpoints: eps, NoStreams: d.u32(),
		})
	case protocol.PacketFreeBulkStreams:
		count := int(d.u32())
		eps := make([]uint8, count)
		for i := range eps {
			eps[i] = d.u8()
		}
		p.handlers.FreeBulkStreams(protocol.FreeBulkStreamsHeader{EndpointCount: count, Endpoints: eps})
	case protocol.PacketCancelDataPacket:
		p.handlers.CancelDataPacket(protocol.CancelDataPacketHeader{ID: d.u32()})
	case protocol.PacketFilterReject:
		p.handlers.FilterReject(protocol.FilterRejectHeader{})
	case protocol.PacketFilterFilter:
		n := int(d.u32())
		rules := make(protocol.FilterRuleList, n)
		for i := range rules {
			rules[i] = protocol.FilterRule{
				DeviceClass:    int(int32(d.u32())),
				DeviceSubClass: int(int32(d.u32())),
				DeviceProtocol: int(int32(d.u32())),
				VendorID:       int(int32(d.u32())),
				ProductID:      int(int32(d.u32())),
				DeviceVersion:  int(int32(d.u32())),
				Allow:          d.bool8(),
			}
		}
		p.handlers.FilterFilter(rules)
	case protocol.PacketDeviceDisconnectAck:
		p.handlers.DeviceDisconnectAck()
	case protocol.PacketControl:
		h := protocol.ControlPacketHeader{
			ID: d.u32(), Endpoint: d.u8(), RequestType: d.u8(), Request: d.u8(),
			Value: d.u16(), Index: d.u16(), Length: d.u16(), Status: protocol.Status(d.u32()),
		}
		p.handlers.ControlPacket(h, d.bytes())
	case protocol.PacketBulk:
		h := protocol.BulkPacketHeader{
			ID: d.u32(), Endpoint: d.u8(), Status: protocol.Status(d.u32()), Length: d.u16(), StreamID: d.u32(),
		}
		p.handlers.BulkPacket(h, d.bytes())
	case protocol.PacketIso:
		h := protocol.IsoPacketHeader{Endpoint: d.u8(), Status: protocol.Status(d.u32()), Length: d.u16()}
		p.handlers.IsoPacket(h, d.bytes())
	case protocol.PacketInterrupt:
		h := protocol.InterruptPacketHeader{
			ID: d.u32(), Endpoint: d.u8(), Status: protocol.Status(d.u32()), Length: d.u16(),
		}
		p.handlers.InterruptPacket(h, d.bytes())
	default:
		p.logFn(1, fmt.Sprintf("wire: unknown packet type %d, dropped", typ))
	}
}
