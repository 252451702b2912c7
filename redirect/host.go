package redirect

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// Host is the redirection engine: one per bound (or about-to-be-bound)
// USB device. It implements protocol.CommandHandlers and is registered
// with a protocol.Parser at Open time.
type Host struct {
	parser            protocol.Parser
	logger            *slog.Logger
	writeCBOwnsBuffer bool
	flush             func()

	lock           sync.Mutex
	disconnectLock sync.Mutex

	handle  *nativeusb.DeviceHandle
	usbCtx  *nativeusb.Context
	devDesc nativeusb.DeviceDescriptor
	cfgDesc nativeusb.ConfigDescriptor

	activeConfig int
	claimed      bool
	disconnected bool
	waitDiscon   bool
	connPending  bool
	cancelsPend  int
	readStatus   protocol.ReadStatus

	filterRules protocol.FilterRuleList

	endpoints [maxEndpoints]endpointSlot
	altSet    [maxInterfaces]uint8

	registry *transferRegistry
}

// Option configures a Host at Open time (spec.md §6, "open /
// open-full (with or without lock hooks and flush hook)").
type Option func(*Host)

// WithLogger attaches a structured logger; every log call the core makes
// goes through it with a "component" attribute (SPEC_FULL.md §10).
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithWriteCallbackOwnsBuffer sets the write_cb_owns_buffer flag on the
// Host. Nothing in this package reads the flag, so setting it does not
// change how the core handles any buffer.
func WithWriteCallbackOwnsBuffer() Option {
	return func(h *Host) { h.writeCBOwnsBuffer = true }
}

// WithFlushCallback registers a callback invoked after a batch of sends,
// letting a parser that buffers writes know it may flush them now.
func WithFlushCallback(fn func()) Option {
	return func(h *Host) { h.flush = fn }
}

// Open constructs a Host bound to parser with no device yet attached;
// SetDevice must be called to bind a nativeusb.DeviceHandle. Mirrors
// usbredirhost_open/usbredirhost_open_full.
func Open(parser protocol.Parser, opts ...Option) *Host {
	h := &Host{
		parser:       parser,
		logger:       slog.Default(),
		disconnected: true,
		registry:     newTransferRegistry(),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "redirect")
	parser.SetHandlers(h)
	return h
}

// Close unbinds any device and releases the Host. Safe to call once.
func (h *Host) Close() {
	h.SetDevice(nil)
}

// log is a thin wrapper so call sites read like the rest of the core
// without repeating the component attribute everywhere.
func (h *Host) log(msg string, args ...any) {
	h.logger.Debug(msg, args...)
}

// SetDevice (re)binds the engine to a native device handle, or unbinds it
// when handle is nil (spec.md §4.6, "Set-device (bind)").
func (h *Host) SetDevice(handle *nativeusb.DeviceHandle) error {
	h.lock.Lock()
	hadHandle := h.handle != nil
	h.lock.Unlock()

	if hadHandle {
		h.clearDevice()
	}
	if handle == nil {
		return nil
	}

	h.lock.Lock()
	h.handle = handle
	h.usbCtx = nativeusb.NewContext(handle)
	h.devDesc = handle.GetDeviceDescriptor()
	h.lock.Unlock()

	if err := h.claim(); err != nil {
		h.lock.Lock()
		h.handle = nil
		h.usbCtx = nil
		h.lock.Unlock()
		return fmt.Errorf("redirect: bind device: %w", err)
	}

	h.sendDeviceConnect()
	return nil
}

// GuestFilter returns the filter rule list currently applied to the
// bound peer (spec.md §12, usbredirhost_get_guest_filter).
func (h *Host) GuestFilter() protocol.FilterRuleList {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.filterRules
}

// HasDataToWrite reports whether the parser has queued output pending a
// write to the transport.
func (h *Host) HasDataToWrite() bool {
	return h.parser.HasDataToWrite()
}

// WriteGuestData pumps one round of queued parser writes to the
// transport, delegated entirely to the parser, then invokes the flush
// callback (if any) so a parser that buffers writes can push them out.
func (h *Host) WriteGuestData() error {
	err := h.parser.DoWrite()
	if err == nil && h.flush != nil {
		h.flush()
	}
	return err
}

// PumpEvents drives the bound device's native reap loop for up to
// timeout, dispatching any URB completions that land during the call. A
// caller runs this in its own goroutine alongside ReadGuestData/
// WriteGuestData; it is a no-op while no device is bound.
func (h *Host) PumpEvents(timeout time.Duration) error {
	h.lock.Lock()
	ctx := h.usbCtx
	h.lock.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.HandleEventsTimeout(timeout)
}

// ReadGuestData pumps one round of parser reads, dispatching any decoded
// peer commands, and returns the sticky read_status set by a prior
// filter rejection or device-loss event.
func (h *Host) ReadGuestData() (protocol.ReadStatus, error) {
	if err := h.parser.DoRead(); err != nil {
		return protocol.ReadStatusDeviceLost, err
	}
	h.lock.Lock()
	status := h.readStatus
	h.lock.Unlock()
	return status, nil
}
