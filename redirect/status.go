package redirect

import (
	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// translateStatus maps a native transfer status to a peer-visible status
// code (spec.md §4.1). no-device triggers disconnect handling as a side
// effect; every other mapping is pure.
func (h *Host) translateStatus(s nativeusb.Status) protocol.Status {
	switch s {
	case nativeusb.StatusCompleted:
		return protocol.StatusSuccess
	case nativeusb.StatusStall:
		return protocol.StatusStall
	case nativeusb.StatusCancelled:
		return protocol.StatusCancelled
	case nativeusb.StatusTimedOut:
		return protocol.StatusTimeout
	case nativeusb.StatusNoDevice:
		h.handleDisconnect()
		return protocol.StatusIOError
	default:
		return protocol.StatusIOError
	}
}

// translateErr maps an error returned directly by a nativeusb call (e.g.
// a failed Submit) the same way, for the "synthesize a completion on
// submission failure" path (spec.md §4.4 step 5).
func (h *Host) translateErr(err error) protocol.Status {
	switch err {
	case nil:
		return protocol.StatusSuccess
	case nativeusb.ErrNoDevice:
		h.handleDisconnect()
		return protocol.StatusIOError
	case nativeusb.ErrTimeout:
		return protocol.StatusTimeout
	case nativeusb.ErrPipe:
		return protocol.StatusStall
	case nativeusb.ErrInvalidParam:
		return protocol.StatusInval
	default:
		return protocol.StatusIOError
	}
}
