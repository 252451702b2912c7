package redirect

import (
	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// isoPacketSubmitted is the sentinel isoTransferRecord.isoPacketIdx value
// meaning "handed to the USB library, not a ring slot waiting to be
// filled" (spec.md §3, "Transfer record").
const isoPacketSubmitted = -1

// transferRecord is the Go analogue of usbredirhost's usbredirtransfer:
// the back-reference the native nativeusb.Transfer's UserData holds. The
// record exclusively owns the native transfer; the native transfer holds
// only a non-owning pointer back (Design Notes, "Cyclic references").
type transferRecord struct {
	host      *Host
	transfer  *nativeusb.Transfer
	id        uint32
	cancelled bool

	// isoPacketIdx is not used by registry records; iso URBs keep their
	// fill cursor in isoTransferRecord.isoPacketIdx instead.
	isoPacketIdx int

	// Saved peer header, used when translating the completion back to a
	// peer packet. Exactly one of these is valid per record, selected by
	// kind.
	kind      packetKind
	control   protocol.ControlPacketHeader
	bulk      protocol.BulkPacketHeader
	interrupt protocol.InterruptPacketHeader

	prev, next *transferRecord
}

type packetKind int

const (
	packetKindControl packetKind = iota
	packetKindBulk
	packetKindInterrupt
)

// transferRegistry is a sentinel-headed doubly-linked list of all live
// control/bulk/interrupt-OUT transfer records, plus an id index for O(1)
// cancel-by-id lookup (Design Notes, "Doubly-linked registry" — a hashmap
// under the same lock is an accepted equivalent, so this implementation
// keeps both: the list for ordered walks during cancellation/drain, the
// map for id lookup).
type transferRegistry struct {
	head transferRecord // sentinel; head.next/head.prev form the ring
	byID map[uint32]*transferRecord
}

func newTransferRegistry() *transferRegistry {
	r := &transferRegistry{byID: map[uint32]*transferRecord{}}
	r.head.next = &r.head
	r.head.prev = &r.head
	return r
}

func (r *transferRegistry) append(t *transferRecord) {
	last := r.head.prev
	last.next = t
	t.prev = last
	t.next = &r.head
	r.head.prev = t
	r.byID[t.id] = t
}

func (r *transferRegistry) remove(t *transferRecord) {
	t.prev.next = t.next
	t.next.prev = t.prev
	t.prev, t.next = nil, nil
	delete(r.byID, t.id)
}

func (r *transferRegistry) byPeerID(id uint32) (*transferRecord, bool) {
	t, ok := r.byID[id]
	return t, ok
}

func (r *transferRegistry) empty() bool {
	return r.head.next == &r.head
}

// walk calls fn for every record currently in the registry, in append
// order. fn must not itself call append/remove on r.
func (r *transferRegistry) walk(fn func(*transferRecord)) {
	for t := r.head.next; t != &r.head; t = t.next {
		fn(t)
	}
}

// walkOnInterface calls fn for every record whose saved peer header
// targets an endpoint owned by iface, used by set_alt_setting to cancel
// only that interface's pending URBs.
func (r *transferRegistry) walkOnInterface(h *Host, iface uint8, fn func(*transferRecord)) {
	r.walk(func(t *transferRecord) {
		ep := t.endpoint()
		if h.endpoints[EP2I(ep)].iface == iface {
			fn(t)
		}
	})
}

func (t *transferRecord) endpoint() uint8 {
	switch t.kind {
	case packetKindControl:
		return t.control.Endpoint
	case packetKindBulk:
		return t.bulk.Endpoint
	case packetKindInterrupt:
		return t.interrupt.Endpoint
	default:
		return 0
	}
}
