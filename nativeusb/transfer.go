//go:build linux

package nativeusb

import (
	"sync"
	"time"
)

// Transfer is one URB: the native-library analogue of a libusb_transfer.
// redirect.transferRecord wraps exactly one Transfer and owns it
// exclusively; Transfer.UserData is the non-owning back-reference to that
// wrapper, set once at construction and never mutated afterwards (Design
// Notes, "cyclic references").
type Transfer struct {
	handle   *DeviceHandle
	typ      TransferType
	endpoint uint8
	buffer   []byte
	timeout  time.Duration

	isoPacketLengths []uint32
	isoPacketActual  []uint32
	isoPacketStatus  []Status

	status       Status
	actualLength int

	// UserData is set by the caller (package redirect) to the owning
	// transferRecord and read back in the completion callback.
	UserData interface{}

	id  uint64
	mgr *reapRegistry
}

// NewTransfer allocates a Transfer with room for numIsoPackets iso-packet
// descriptors (0 for non-iso transfers). Mirrors libusb_alloc_transfer.
func (h *DeviceHandle) NewTransfer(numIsoPackets int) *Transfer {
	t := &Transfer{handle: h}
	if numIsoPackets > 0 {
		t.isoPacketLengths = make([]uint32, numIsoPackets)
		t.isoPacketActual = make([]uint32, numIsoPackets)
		t.isoPacketStatus = make([]Status, numIsoPackets)
	}
	return t
}

// FillControl prepares a control transfer. buffer must be the 8-byte
// setup packet followed by the data stage (possibly zero length).
func (t *Transfer) FillControl(buffer []byte, timeout time.Duration) {
	t.typ = TransferTypeControl
	t.endpoint = 0
	t.buffer = buffer
	t.timeout = timeout
}

// FillBulk prepares a bulk transfer on endpoint.
func (t *Transfer) FillBulk(endpoint uint8, buffer []byte, timeout time.Duration) {
	t.typ = TransferTypeBulk
	t.endpoint = endpoint
	t.buffer = buffer
	t.timeout = timeout
}

// FillInterrupt prepares an interrupt transfer on endpoint.
func (t *Transfer) FillInterrupt(endpoint uint8, buffer []byte, timeout time.Duration) {
	t.typ = TransferTypeInterrupt
	t.endpoint = endpoint
	t.buffer = buffer
	t.timeout = timeout
}

// FillIso prepares an isochronous transfer on endpoint. The packet count
// is the one NewTransfer was allocated with.
func (t *Transfer) FillIso(endpoint uint8, buffer []byte, timeout time.Duration) {
	t.typ = TransferTypeIsochronous
	t.endpoint = endpoint
	t.buffer = buffer
	t.timeout = timeout
}

// SetIsoPacketLengths sets every iso packet's length to length, the way
// libusb_set_iso_packet_lengths does.
func (t *Transfer) SetIsoPacketLengths(length uint32) {
	for i := range t.isoPacketLengths {
		t.isoPacketLengths[i] = length
	}
}

// SetPacketLength sets a single iso packet's submitted length, used when
// an OUT-direction caller fills ring slots with variable-length peer
// payloads instead of a uniform per-packet size.
func (t *Transfer) SetPacketLength(i int, length int) {
	t.isoPacketLengths[i] = uint32(length)
}

// NumIsoPackets returns how many iso-packet descriptors this transfer has.
func (t *Transfer) NumIsoPackets() int { return len(t.isoPacketLengths) }

// IsoPacketBuffer returns the sub-slice of the transfer buffer backing
// iso packet i, the way libusb_get_iso_packet_buffer_simple does.
func (t *Transfer) IsoPacketBuffer(i int) []byte {
	off := uint32(0)
	for j := 0; j < i; j++ {
		off += t.isoPacketLengths[j]
	}
	return t.buffer[off : off+t.isoPacketLengths[i]]
}

// IsoPacketActualLength returns the bytes actually transferred for
// packet i after completion.
func (t *Transfer) IsoPacketActualLength(i int) int { return int(t.isoPacketActual[i]) }

// IsoPacketStatus returns the per-packet completion status.
func (t *Transfer) IsoPacketStatus(i int) Status { return t.isoPacketStatus[i] }

// Status returns the whole-transfer completion status.
func (t *Transfer) Status() Status { return t.status }

// ActualLength returns the bytes actually transferred (non-iso) or the
// sum across iso packets.
func (t *Transfer) ActualLength() int { return t.actualLength }

// Buffer returns the transfer's data buffer.
func (t *Transfer) Buffer() []byte { return t.buffer }

// Endpoint returns the endpoint address this transfer targets.
func (t *Transfer) Endpoint() uint8 { return t.endpoint }

// Free releases any native resources held by the transfer. Safe to call
// on a never-submitted or already-completed transfer.
func (t *Transfer) Free() {
	if t.mgr != nil {
		t.mgr.forget(t.id)
	}
}

// pendingSubmission is the bookkeeping a reapRegistry keeps for one
// in-flight URB: the Transfer it belongs to, the kernel-layout buffer
// Context.Submit handed to the ioctl (urb header + iso packet descriptors),
// and the callback to invoke once it's reaped.
type pendingSubmission struct {
	transfer *Transfer
	raw      []byte
	callback func(*Transfer)
}

// reapRegistry correlates completions reaped from usbdevfs back to the
// Transfer that submitted them, for the reap loop in
// Context.HandleEventsTimeout that stands in for
// libusb_handle_events_timeout.
type reapRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingSubmission
}

func newReapRegistry() *reapRegistry {
	return &reapRegistry{pending: map[uint64]*pendingSubmission{}}
}

func (r *reapRegistry) register(t *Transfer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.pending[id] = &pendingSubmission{transfer: t}
	return id
}

func (r *reapRegistry) forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *reapRegistry) attach(id uint64, raw []byte, callback func(*Transfer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.pending[id]; ok {
		sub.raw = raw
		sub.callback = callback
	}
}

func (r *reapRegistry) peek(id uint64) (*pendingSubmission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.pending[id]
	return sub, ok
}

func (r *reapRegistry) take(id uint64) (*pendingSubmission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return sub, ok
}
