package protocol

import "io"

// CommandHandlers is the set of callbacks the external parser invokes on
// the core for each peer command it decodes off the wire. The core
// implements this interface (package redirect's *Host does) and registers
// itself with a Parser at Open time — function-value injection, not
// ambient dispatch (Design Notes, "Callback plumbing").
type CommandHandlers interface {
	Hello(h HelloHeader)
	Reset()
	SetConfiguration(h SetConfigurationHeader)
	GetConfiguration()
	SetAltSetting(h SetAltSettingHeader)
	GetAltSetting(h GetAltSettingHeader)
	StartIsoStream(h StartIsoStreamHeader)
	StopIsoStream(h StopIsoStreamHeader)
	StartInterruptReceiving(h StartInterruptReceivingHeader)
	StopInterruptReceiving(h StopInterruptReceivingHeader)
	AllocBulkStreams(h AllocBulkStreamsHeader)
	FreeBulkStreams(h FreeBulkStreamsHeader)
	CancelDataPacket(h CancelDataPacketHeader)
	FilterReject(h FilterRejectHeader)
	FilterFilter(rules FilterRuleList)
	DeviceDisconnectAck()

	ControlPacket(h ControlPacketHeader, data []byte)
	BulkPacket(h BulkPacketHeader, data []byte)
	IsoPacket(h IsoPacketHeader, data []byte)
	InterruptPacket(h InterruptPacketHeader, data []byte)
}

// FilterRule is one class/subclass/protocol/vendor/product/version match
// rule. The matching engine itself is out of scope (spec.md §1,
// "Non-goals"); the core only stores and forwards rule lists.
type FilterRule struct {
	DeviceClass    int
	DeviceSubClass int
	DeviceProtocol int
	VendorID       int
	ProductID      int
	DeviceVersion  int
	Allow          bool
}

// FilterRuleList is an ordered list of FilterRule, first match wins.
type FilterRuleList []FilterRule

// Parser is the capability interface the core consumes from the external
// wire component: registering its command handlers, sending packets back
// to the peer, and the raw I/O / logging / locking hooks spec.md §6 lists
// under "Consumed from the parser". A concrete implementation owns framing,
// buffering, and capability negotiation; the core never touches the wire
// directly.
type Parser interface {
	// SetHandlers registers the callback target the parser dispatches
	// decoded peer commands to.
	SetHandlers(h CommandHandlers)

	// PeerHasCapability reports whether the connected peer advertised cap.
	PeerHasCapability(cap Capability) bool

	// HaveCapability reports whether this side has advertised cap to the
	// peer (used to gate outgoing writes, e.g. capability negotiation not
	// yet complete).
	HaveCapability(cap Capability) bool

	SendDeviceConnect(h DeviceConnectHeader)
	SendDeviceConnectCompat(h DeviceConnectHeaderNoDeviceVersion)
	SendDeviceDisconnect()
	SendInterfaceInfo(h InterfaceInfoHeader)
	SendEndpointInfo(h EndpointInfoHeader)
	SendConfigurationStatus(h ConfigurationStatusHeader)
	SendAltSettingStatus(h AltSettingStatusHeader)
	SendIsoStreamStatus(h IsoStreamStatusHeader)
	SendInterruptReceivingStatus(h InterruptReceivingStatusHeader)
	SendBulkStreamsStatus(h BulkStreamsStatusHeader)
	SendControlPacket(h ControlPacketHeader, data []byte)
	SendBulkPacket(h BulkPacketHeader, data []byte)
	SendIsoPacket(h IsoPacketHeader, data []byte)
	SendInterruptPacket(h InterruptPacketHeader, data []byte)

	// FreePacketData releases a payload buffer the parser handed to the
	// core alongside an incoming OUT-direction packet (CommandHandlers
	// callback parameter). The core must call this exactly once for any
	// buffer it does not take ownership of.
	FreePacketData(data []byte)

	// DoRead pumps one round of wire-level reads, dispatching any fully
	// decoded commands to the registered CommandHandlers. Returns io.EOF
	// (or a wrapped form of it) when the peer has closed the stream.
	DoRead() error

	// DoWrite pumps one round of queued writes to the underlying
	// transport.
	DoWrite() error

	// HasDataToWrite reports whether DoWrite has queued output pending.
	HasDataToWrite() bool

	// Log writes a parser-level diagnostic line; level matches the log
	// level convention of the host application's logger.
	Log(level int, msg string)
}

// Transport is the minimal byte-stream contract a Parser is built over;
// package wire's implementation takes one of these rather than owning
// socket setup itself, keeping transport I/O external per spec.md §1.
type Transport interface {
	io.Reader
	io.Writer
}
