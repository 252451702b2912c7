package redirect

import (
	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// interruptRecord is the endpoint slot's single persistent interrupt-IN
// URB (spec.md §3, "interrupt-in-specific: a single slot").
type interruptRecord struct {
	host      *Host
	transfer  *nativeusb.Transfer
	epIndex   int
	cancelled bool
	id        uint32
}

// StartInterruptReceiving implements protocol.CommandHandlers (spec.md
// §4.3): rejects if the endpoint isn't interrupt-IN or is already active.
func (h *Host) StartInterruptReceiving(req protocol.StartInterruptReceivingHeader) {
	i := EP2I(req.Endpoint)

	h.lock.Lock()
	slot := &h.endpoints[i]
	if slot.typ != protocol.EndpointTypeInterrupt || req.Endpoint&0x80 == 0 || slot.interruptIn != nil {
		h.lock.Unlock()
		h.parser.SendInterruptReceivingStatus(protocol.InterruptReceivingStatusHeader{
			Endpoint: req.Endpoint, Status: protocol.StatusInval,
		})
		return
	}
	maxPkt := int(slot.maxPacketSize)
	handle := h.handle
	h.lock.Unlock()

	nt := handle.NewTransfer(0)
	nt.FillInterrupt(req.Endpoint, make([]byte, maxPkt), 0)
	rec := &interruptRecord{host: h, transfer: nt, epIndex: i}
	nt.UserData = rec

	h.lock.Lock()
	h.endpoints[i].interruptIn = rec
	ctx := h.usbCtx
	h.lock.Unlock()

	ctx.Submit(nt, h.interruptInCompletion)
}

// StopInterruptReceiving implements protocol.CommandHandlers.
func (h *Host) StopInterruptReceiving(req protocol.StopInterruptReceivingHeader) {
	h.cancelInterruptIn(EP2I(req.Endpoint))
}

// cancelInterruptIn implements spec.md §4.3, "stop_interrupt_receiving":
// the same cancel-or-free-directly pattern as a single-URB iso ring.
func (h *Host) cancelInterruptIn(epIndex int) {
	h.lock.Lock()
	rec := h.endpoints[epIndex].interruptIn
	ctx := h.usbCtx
	h.endpoints[epIndex].interruptIn = nil
	if rec != nil && !rec.cancelled {
		rec.cancelled = true
		h.cancelsPend++
	} else {
		rec = nil
	}
	h.lock.Unlock()
	if rec == nil {
		return
	}
	if err := ctx.Cancel(rec.transfer); err != nil {
		h.lock.Lock()
		h.cancelsPend--
		h.lock.Unlock()
	}
}

// interruptInCompletion is the nativeusb completion callback for the
// persistent interrupt-IN URB (spec.md §4.3, "On completion").
func (h *Host) interruptInCompletion(nt *nativeusb.Transfer) {
	rec := nt.UserData.(*interruptRecord)

	h.lock.Lock()
	if rec.cancelled {
		h.cancelsPend--
		h.lock.Unlock()
		return
	}
	h.lock.Unlock()

	switch nt.Status() {
	case nativeusb.StatusCompleted:
		h.lock.Lock()
		id := rec.id
		rec.id++
		h.lock.Unlock()
		payload := append([]byte(nil), nt.Buffer()[:nt.ActualLength()]...)
		h.parser.SendInterruptPacket(protocol.InterruptPacketHeader{
			ID: id, Endpoint: nt.Endpoint(), Status: protocol.StatusSuccess, Length: uint16(len(payload)),
		}, payload)
		h.resubmitInterruptIn(rec)

	case nativeusb.StatusStall:
		if err := h.handle.ClearHalt(nt.Endpoint()); err != nil {
			h.parser.SendInterruptReceivingStatus(protocol.InterruptReceivingStatusHeader{
				Endpoint: nt.Endpoint(), Status: protocol.StatusStall,
			})
			h.lock.Lock()
			h.endpoints[rec.epIndex].interruptIn = nil
			h.lock.Unlock()
			return
		}
		h.lock.Lock()
		rec.id = 0
		h.lock.Unlock()
		h.resubmitInterruptIn(rec)

	case nativeusb.StatusNoDevice:
		h.lock.Lock()
		h.endpoints[rec.epIndex].interruptIn = nil
		h.lock.Unlock()
		h.handleDisconnect()

	default:
		status := h.translateStatus(nt.Status())
		h.parser.SendInterruptPacket(protocol.InterruptPacketHeader{
			Endpoint: nt.Endpoint(), Status: status, Length: 0,
		}, nil)
		h.resubmitInterruptIn(rec)
	}
}

func (h *Host) resubmitInterruptIn(rec *interruptRecord) {
	h.lock.Lock()
	if h.endpoints[rec.epIndex].interruptIn != rec {
		h.lock.Unlock()
		return
	}
	ctx := h.usbCtx
	h.lock.Unlock()
	ctx.Submit(rec.transfer, h.interruptInCompletion)
}
