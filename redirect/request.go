package redirect

import (
	"time"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// controlBulkTimeout is the native transfer timeout for control and bulk
// requests (spec.md §5, "Timeouts").
const controlBulkTimeout = 5000 * time.Millisecond

// ControlPacket implements protocol.CommandHandlers (spec.md §4.4, plus
// the "Control clear-halt shortcut").
func (h *Host) ControlPacket(hdr protocol.ControlPacketHeader, data []byte) {
	if isClearHaltShortcut(hdr) {
		h.parser.FreePacketData(data)
		status := protocol.StatusSuccess
		if err := h.handle.ClearHalt(uint8(hdr.Index)); err != nil {
			status = h.translateErr(err)
		}
		h.parser.SendControlPacket(protocol.ControlPacketHeader{
			ID: hdr.ID, Endpoint: hdr.Endpoint, RequestType: hdr.RequestType,
			Request: hdr.Request, Value: hdr.Value, Index: hdr.Index,
			Length: 0, Status: status,
		}, nil)
		return
	}

	h.lock.Lock()
	disconnected := h.disconnected
	h.lock.Unlock()
	if disconnected {
		h.parser.FreePacketData(data)
		h.parser.SendControlPacket(protocol.ControlPacketHeader{
			ID: hdr.ID, Endpoint: hdr.Endpoint, RequestType: hdr.RequestType,
			Request: hdr.Request, Value: hdr.Value, Index: hdr.Index,
			Length: 0, Status: protocol.StatusIOError,
		}, nil)
		return
	}

	in := hdr.RequestType&protocol.RequestTypeInBit != 0
	var buf []byte
	if in {
		buf = make([]byte, setupPacketSize+int(hdr.Length))
		h.parser.FreePacketData(data)
	} else {
		buf = make([]byte, setupPacketSize+len(data))
		copy(buf[setupPacketSize:], data)
		h.parser.FreePacketData(data)
	}
	setup := nativeusb.SetupPacket{
		RequestType: hdr.RequestType, Request: hdr.Request,
		Value: hdr.Value, Index: hdr.Index, Length: hdr.Length,
	}
	setup.MarshalTo(buf[:setupPacketSize])

	nt := h.handle.NewTransfer(0)
	nt.FillControl(buf, controlBulkTimeout)

	rec := &transferRecord{host: h, transfer: nt, id: hdr.ID, kind: packetKindControl, control: hdr}
	nt.UserData = rec
	h.appendAndSubmit(rec)
}

const setupPacketSize = 8
const requestClearFeature = 0x01

// isClearHaltShortcut matches the one control request executed
// synchronously against the library instead of as a URB (spec.md §4.4).
func isClearHaltShortcut(hdr protocol.ControlPacketHeader) bool {
	return hdr.RequestType&0x1f == protocol.RecipientEndpoint &&
		hdr.Request == requestClearFeature &&
		hdr.Value == 0 &&
		hdr.Length == 0
}

// BulkPacket implements protocol.CommandHandlers (spec.md §4.4).
func (h *Host) BulkPacket(hdr protocol.BulkPacketHeader, data []byte) {
	h.lock.Lock()
	disconnected := h.disconnected
	slot := h.endpoints[EP2I(hdr.Endpoint)]
	h.lock.Unlock()
	if disconnected || slot.typ != protocol.EndpointTypeBulk {
		h.parser.FreePacketData(data)
		h.parser.SendBulkPacket(protocol.BulkPacketHeader{
			ID: hdr.ID, Endpoint: hdr.Endpoint, Status: protocol.StatusIOError,
		}, nil)
		return
	}

	var buf []byte
	if hdr.Endpoint&0x80 != 0 {
		buf = make([]byte, hdr.Length)
		h.parser.FreePacketData(data)
	} else {
		buf = data
	}

	nt := h.handle.NewTransfer(0)
	nt.FillBulk(hdr.Endpoint, buf, controlBulkTimeout)

	rec := &transferRecord{host: h, transfer: nt, id: hdr.ID, kind: packetKindBulk, bulk: hdr}
	nt.UserData = rec
	// An OUT buffer is handed to FillBulk directly and its freeing
	// responsibility transfers to the transfer record (spec.md §4.4
	// step 3); an IN transfer reads into the host's own allocation, and
	// the parser's buffer for it was released above.
	h.appendAndSubmit(rec)
}

// InterruptPacket implements protocol.CommandHandlers for OUT-direction
// interrupt requests (IN is handled entirely by the persistent
// interrupt-in engine in interrupt.go).
func (h *Host) InterruptPacket(hdr protocol.InterruptPacketHeader, data []byte) {
	h.lock.Lock()
	disconnected := h.disconnected
	slot := h.endpoints[EP2I(hdr.Endpoint)]
	h.lock.Unlock()
	if disconnected || slot.typ != protocol.EndpointTypeInterrupt || int(hdr.Length) > int(slot.maxPacketSize) {
		h.parser.FreePacketData(data)
		status := protocol.StatusIOError
		if !disconnected && slot.typ == protocol.EndpointTypeInterrupt {
			status = protocol.StatusInval
		}
		h.parser.SendInterruptPacket(protocol.InterruptPacketHeader{
			ID: hdr.ID, Endpoint: hdr.Endpoint, Status: status,
		}, nil)
		return
	}

	nt := h.handle.NewTransfer(0)
	nt.FillInterrupt(hdr.Endpoint, data, controlBulkTimeout)

	rec := &transferRecord{host: h, transfer: nt, id: hdr.ID, kind: packetKindInterrupt, interrupt: hdr}
	nt.UserData = rec
	h.appendAndSubmit(rec)
}

// appendAndSubmit registers rec in the transfer registry and submits it.
// On submission failure it synthesizes a completion with the error
// translated to a peer status and zero actual length, unifying the
// success and failure paths through the same reporting logic (spec.md
// §4.4 step 5, §7 "Submission failures: synthesized as completions").
func (h *Host) appendAndSubmit(rec *transferRecord) {
	h.lock.Lock()
	h.registry.append(rec)
	ctx := h.usbCtx
	h.lock.Unlock()

	if err := ctx.Submit(rec.transfer, h.requestCompletion); err != nil {
		h.completeRequest(rec, h.translateErr(err), 0, nil)
	}
}

// requestCompletion is the nativeusb completion callback for control,
// bulk, and interrupt-OUT transfers (spec.md §4.4, "Completion").
func (h *Host) requestCompletion(nt *nativeusb.Transfer) {
	rec := nt.UserData.(*transferRecord)

	h.lock.Lock()
	if rec.cancelled {
		h.cancelsPend--
		h.registry.remove(rec)
		h.lock.Unlock()
		return
	}
	h.lock.Unlock()

	h.completeRequest(rec, h.translateStatus(nt.Status()), nt.ActualLength(), nt.Buffer())
}

// completeRequest reports rec's outcome to the peer and removes it from
// the registry. buf is nil and actual is 0 for a transfer that never
// reached the device (submission itself failed), in which case no
// payload is ever sliced off regardless of direction.
func (h *Host) completeRequest(rec *transferRecord, status protocol.Status, actual int, buf []byte) {
	switch rec.kind {
	case packetKindControl:
		rec.control.Status = status
		rec.control.Length = uint16(actual)
		var payload []byte
		if rec.control.RequestType&protocol.RequestTypeInBit != 0 && actual > 0 {
			payload = append([]byte(nil), buf[setupPacketSize:setupPacketSize+actual]...)
		}
		h.parser.SendControlPacket(rec.control, payload)

	case packetKindBulk:
		rec.bulk.Status = status
		rec.bulk.Length = uint16(actual)
		var payload []byte
		if rec.bulk.Endpoint&0x80 != 0 && actual > 0 {
			payload = append([]byte(nil), buf[:actual]...)
		}
		h.parser.SendBulkPacket(rec.bulk, payload)

	case packetKindInterrupt:
		rec.interrupt.Status = status
		rec.interrupt.Length = uint16(actual)
		h.parser.SendInterruptPacket(rec.interrupt, nil)
	}

	h.lock.Lock()
	h.registry.remove(rec)
	h.lock.Unlock()
}
