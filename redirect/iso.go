package redirect

import (
	"time"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
)

// isoTimeout is the native transfer timeout for iso URBs (spec.md §5,
// "Timeouts").
const isoTimeout = 1000 * time.Millisecond

const (
	minPktsPerTransfer = 1
	maxPktsPerTransfer = 32
	minTransferCount   = 1
	maxTransferCount   = 16
)

// isoTransferRecord is the per-ring-slot record for one iso URB. Unlike
// transferRecord it is never in the global registry — it lives only in
// its endpoint's isoRing (spec.md §3, "Ownership").
type isoTransferRecord struct {
	host     *Host
	transfer *nativeusb.Transfer
	epIndex  int
	ringSlot int

	cancelled bool
	// isoPacketIdx is the OUT-direction fill cursor into this URB's
	// packet array, or isoPacketSubmitted once handed to the library.
	isoPacketIdx int
	// id is the packet id counter kept for this URB: for IN it starts at
	// the URB's base id and advances by the ring stride on every
	// completion; for OUT it stays zero. protocol.IsoPacketHeader has no
	// id field, so this value is never sent to the peer.
	id uint32
}

// StartIsoStream implements protocol.CommandHandlers (spec.md §4.2,
// "Allocation").
func (h *Host) StartIsoStream(req protocol.StartIsoStreamHeader) {
	i := EP2I(req.Endpoint)
	pkts := int(req.PktsPerURB)

	h.lock.Lock()
	slot := &h.endpoints[i]
	switch {
	case slot.typ != protocol.EndpointTypeIso:
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: req.Endpoint, Status: protocol.StatusInval})
		return
	case slot.iso != nil:
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: req.Endpoint, Status: protocol.StatusInval})
		return
	case pkts < minPktsPerTransfer || pkts > maxPktsPerTransfer:
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: req.Endpoint, Status: protocol.StatusInval})
		return
	}
	count := isoTransferCountFor(pkts)
	maxPkt := int(slot.maxPacketSize)
	h.lock.Unlock()

	ring, err := h.allocIsoRing(i, req.Endpoint, pkts, count, maxPkt)
	if err != nil {
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: req.Endpoint, Status: protocol.StatusIOError})
		return
	}

	h.lock.Lock()
	h.endpoints[i].iso = ring
	h.lock.Unlock()

	status := protocol.StatusSuccess
	if req.Endpoint&0x80 != 0 {
		if err := h.submitAllIsoIn(i); err != nil {
			status = protocol.StatusStall
		}
	}
	h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: req.Endpoint, Status: status})
}

// isoTransferCountFor picks a fixed, bounded transfer_count; the peer
// only specifies pkts_per_transfer (spec.md §4.2 mentions both as
// peer-supplied parameters, constrained independently — a conservative
// default ring depth of 4 keeps memory bounded while giving the overflow
// math in §8 its documented shape for the common geometries).
func isoTransferCountFor(pktsPerTransfer int) int {
	const defaultCount = 4
	if defaultCount < minTransferCount {
		return minTransferCount
	}
	if defaultCount > maxTransferCount {
		return maxTransferCount
	}
	return defaultCount
}

func (h *Host) allocIsoRing(epIndex int, addr uint8, pkts, count, maxPkt int) (*isoRing, error) {
	ring := &isoRing{
		pktsPerTransfer: pkts,
		transferCount:   count,
		transfers:       make([]*isoTransferRecord, count),
	}
	for i := 0; i < count; i++ {
		nt := h.handle.NewTransfer(pkts)
		nt.FillIso(addr, make([]byte, maxPkt*pkts), isoTimeout)
		nt.SetIsoPacketLengths(uint32(maxPkt))
		rec := &isoTransferRecord{host: h, transfer: nt, epIndex: epIndex, ringSlot: i}
		nt.UserData = rec
		ring.transfers[i] = rec
	}
	return ring, nil
}

// submitAllIsoIn submits every URB in the ring with monotonically
// strided ids and marks the ring started (spec.md §4.2, "IN direction").
// A submission failure stops and cancels the whole stream rather than
// leaving a partially submitted ring behind, the same contract
// usbredirhost_submit_iso_transfer_unlocked enforces on its caller
// (usbredirhost.c:926-941, used at the start_iso_stream call site
// usbredirhost.c:1594-1599).
func (h *Host) submitAllIsoIn(epIndex int) error {
	h.lock.Lock()
	ring := h.endpoints[epIndex].iso
	if ring == nil {
		h.lock.Unlock()
		return nil
	}
	ring.started = true
	var toSubmit []*isoTransferRecord
	for i, t := range ring.transfers {
		t.id = uint32(i * ring.pktsPerTransfer)
		t.isoPacketIdx = isoPacketSubmitted
		toSubmit = append(toSubmit, t)
	}
	ctx := h.usbCtx
	h.lock.Unlock()

	for _, t := range toSubmit {
		if err := ctx.Submit(t.transfer, h.isoCompletion); err != nil {
			h.cancelIsoStream(epIndex)
			return err
		}
	}
	return nil
}

// StopIsoStream implements protocol.CommandHandlers.
func (h *Host) StopIsoStream(req protocol.StopIsoStreamHeader) {
	h.cancelIsoStream(EP2I(req.Endpoint))
}

// cancelIsoStream implements spec.md §4.2, "Cancellation": every
// in-flight URB is cancelled through the library; every idle one is
// simply discarded.
func (h *Host) cancelIsoStream(epIndex int) {
	h.lock.Lock()
	ring := h.endpoints[epIndex].iso
	if ring == nil {
		h.lock.Unlock()
		return
	}
	var toCancel []*isoTransferRecord
	for _, t := range ring.transfers {
		if t.isoPacketIdx == isoPacketSubmitted {
			toCancel = append(toCancel, t)
		}
	}
	ctx := h.usbCtx
	h.endpoints[epIndex].iso = nil
	h.lock.Unlock()

	for _, t := range toCancel {
		h.lock.Lock()
		if !t.cancelled {
			t.cancelled = true
			h.cancelsPend++
			if err := ctx.Cancel(t.transfer); err != nil {
				h.cancelsPend--
				t.cancelled = false
			}
		}
		h.lock.Unlock()
	}
}

// isoCompletion is the nativeusb completion callback for every iso URB,
// IN and OUT alike (spec.md §4.2, steps 1-4 and "OUT direction,
// completion").
func (h *Host) isoCompletion(nt *nativeusb.Transfer) {
	t := nt.UserData.(*isoTransferRecord)

	h.lock.Lock()
	if t.cancelled {
		h.cancelsPend--
		h.lock.Unlock()
		return
	}
	ring := h.endpoints[t.epIndex].iso
	addr := nt.Endpoint()
	isIn := addr&0x80 != 0
	h.lock.Unlock()
	if ring == nil {
		return
	}

	outcome := h.handleIsoStatus(t.epIndex, addr, nt.Status())
	switch outcome {
	case isoOutcomeStreamBorked:
		return // stall handled (and possibly recovered) inside handleIsoStatus
	case isoOutcomePacketBorked:
		status := h.translateStatus(nt.Status())
		if !isIn {
			h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: addr, Status: status})
			h.lock.Lock()
			t.isoPacketIdx = 0
			h.lock.Unlock()
			h.checkIsoOutUnderflow(t.epIndex)
			return
		}
		// Whole-URB error on an IN stream: emit one zero-length packet
		// carrying the error status, then advance id exactly as far as a
		// normal completion would (spec.md §4.2, "packet borked").
		h.parser.SendIsoPacket(protocol.IsoPacketHeader{Endpoint: addr, Status: status}, nil)
		h.lock.Lock()
		t.id += uint32(nt.NumIsoPackets()) + uint32((ring.transferCount-1)*ring.pktsPerTransfer)
		h.lock.Unlock()
		h.resubmitIsoIn(t)
		return
	}

	if isIn {
		h.deliverIsoIn(t, nt)
		h.lock.Lock()
		t.id += uint32((ring.transferCount - 1) * ring.pktsPerTransfer)
		h.lock.Unlock()
		h.resubmitIsoIn(t)
		return
	}

	// The completed OUT URB is no longer in flight: make its slot an empty
	// ring slot again so the writer can refill it and underflow can be seen.
	h.lock.Lock()
	t.isoPacketIdx = 0
	h.lock.Unlock()
	h.deliverIsoOutStatus(t, nt)
	h.checkIsoOutUnderflow(t.epIndex)
}

type isoOutcome int

const (
	isoOutcomeOK isoOutcome = iota
	isoOutcomePacketBorked
	isoOutcomeStreamBorked
)

// handleIsoStatus classifies a completed URB's whole-transfer status and,
// on stall, performs transparent stall recovery: cancel the stream,
// clear halt, reallocate, and (for IN) resubmit — emitting no peer
// status on success (spec.md §4.2, "Stall recovery").
func (h *Host) handleIsoStatus(epIndex int, addr uint8, status nativeusb.Status) isoOutcome {
	switch status {
	case nativeusb.StatusCompleted:
		return isoOutcomeOK
	case nativeusb.StatusCancelled:
		// Stream was intentionally stopped; the URB is already gone from
		// the ring (cancelIsoStream cleared the slot), nothing to resubmit.
		return isoOutcomeStreamBorked
	case nativeusb.StatusNoDevice:
		h.handleDisconnect()
		return isoOutcomeStreamBorked
	}
	if status != nativeusb.StatusStall {
		return isoOutcomePacketBorked
	}

	h.lock.Lock()
	ring := h.endpoints[epIndex].iso
	pkts, count := 0, 0
	if ring != nil {
		pkts, count = ring.pktsPerTransfer, ring.transferCount
	}
	maxPkt := int(h.endpoints[epIndex].maxPacketSize)
	h.lock.Unlock()
	if ring == nil {
		return isoOutcomeStreamBorked
	}

	h.cancelIsoStream(epIndex)
	h.drainIsoCancel(epIndex)

	if err := h.handle.ClearHalt(addr); err != nil {
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: addr, Status: protocol.StatusStall})
		return isoOutcomeStreamBorked
	}

	newRing, err := h.allocIsoRing(epIndex, addr, pkts, count, maxPkt)
	if err != nil {
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: addr, Status: protocol.StatusStall})
		return isoOutcomeStreamBorked
	}
	h.lock.Lock()
	h.endpoints[epIndex].iso = newRing
	h.lock.Unlock()

	if addr&0x80 != 0 {
		if err := h.submitAllIsoIn(epIndex); err != nil {
			h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: addr, Status: protocol.StatusStall})
		}
	}
	return isoOutcomeStreamBorked
}

// drainIsoCancel pumps events until the host-wide cancelsPend count is
// zero, so it also waits on cancellations pending on other endpoints and
// in the registry; epIndex is not used to narrow the wait. Unlike the
// full drainPending it does not wait for the registry or the streams to
// empty.
func (h *Host) drainIsoCancel(epIndex int) {
	for {
		h.lock.Lock()
		pending := h.cancelsPend
		ctx := h.usbCtx
		h.lock.Unlock()
		if pending == 0 || ctx == nil {
			return
		}
		ctx.HandleEventsTimeout(drainPollInterval)
	}
}

func (h *Host) resubmitIsoIn(t *isoTransferRecord) {
	h.lock.Lock()
	ring := h.endpoints[t.epIndex].iso
	if ring == nil {
		h.lock.Unlock()
		return
	}
	t.isoPacketIdx = isoPacketSubmitted
	ctx := h.usbCtx
	h.lock.Unlock()
	ctx.Submit(t.transfer, h.isoCompletion)
}

// deliverIsoIn forwards every packet of a completed IN URB to the peer
// (spec.md §4.2, "Per-packet loop (IN)").
func (h *Host) deliverIsoIn(t *isoTransferRecord, nt *nativeusb.Transfer) {
	addr := nt.Endpoint()
	h.lock.Lock()
	id := t.id
	h.lock.Unlock()
	for i := 0; i < nt.NumIsoPackets(); i++ {
		status := h.translateStatus(nt.IsoPacketStatus(i))
		var buf []byte
		if n := nt.IsoPacketActualLength(i); n > 0 {
			buf = append([]byte(nil), nt.IsoPacketBuffer(i)[:n]...)
		}
		h.parser.SendIsoPacket(protocol.IsoPacketHeader{
			Endpoint: addr, Status: status, Length: uint16(len(buf)),
		}, buf)
		id++
	}
	h.lock.Lock()
	t.id = id
	h.lock.Unlock()
}

// deliverIsoOutStatus reports an OUT completion's status only when it
// isn't plain success (spec.md §4.2: "OUT completions produce no packets
// to peer; only error cases produce iso-status").
func (h *Host) deliverIsoOutStatus(t *isoTransferRecord, nt *nativeusb.Transfer) {
	status := h.translateStatus(nt.Status())
	if status == protocol.StatusSuccess {
		return
	}
	h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: nt.Endpoint(), Status: status})
}

// checkIsoOutUnderflow resets ring bookkeeping when, after a completion,
// no URB anywhere in the ring is still submitted (spec.md §4.2, "If on
// completion no URB is submitted anywhere in the ring (underflow)...").
func (h *Host) checkIsoOutUnderflow(epIndex int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	ring := h.endpoints[epIndex].iso
	if ring == nil {
		return
	}
	for _, t := range ring.transfers {
		if t.isoPacketIdx == isoPacketSubmitted {
			return
		}
	}
	for _, t := range ring.transfers {
		t.isoPacketIdx = 0
	}
	ring.outIdx = 0
	ring.started = false
	ring.dropPackets = 0
}

// IsoPacket implements protocol.CommandHandlers for OUT-direction iso
// data arriving from the peer (spec.md §4.2, "OUT direction").
func (h *Host) IsoPacket(hdr protocol.IsoPacketHeader, data []byte) {
	defer h.parser.FreePacketData(data)

	epIndex := EP2I(hdr.Endpoint)
	h.lock.Lock()
	slot := &h.endpoints[epIndex]
	switch {
	case h.disconnected:
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: hdr.Endpoint, Status: protocol.StatusIOError})
		return
	case slot.typ != protocol.EndpointTypeIso, slot.iso == nil:
		// Wrong endpoint type, or iso data for a stream that was never
		// started: both are the peer sending nonsense, not a device
		// failure (usbredirhost.c:2013-2028).
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: hdr.Endpoint, Status: protocol.StatusInval})
		return
	}
	if int(hdr.Length) > int(slot.maxPacketSize) {
		h.lock.Unlock()
		h.parser.SendIsoStreamStatus(protocol.IsoStreamStatusHeader{Endpoint: hdr.Endpoint, Status: protocol.StatusInval})
		return
	}
	ring := slot.iso

	if ring.dropPackets > 0 {
		ring.dropPackets--
		h.lock.Unlock()
		return
	}

	i := ring.outIdx
	t := ring.transfers[i]
	j := t.isoPacketIdx
	if j == isoPacketSubmitted {
		// Overflow: the writer lapped the ring while URBs are still
		// in-flight with the library (spec.md §8, "Overflow policy").
		ring.dropPackets = (ring.pktsPerTransfer * ring.transferCount) / 2
		h.lock.Unlock()
		return
	}

	if j == 0 {
		// OUT-direction iso packets carry no peer id in this port (ids
		// are a pure IN-direction synthesis, spec.md §4.2); the field
		// stays zero so it remains well-defined if ever inspected.
		t.id = 0
	}
	copy(t.transfer.IsoPacketBuffer(j), data)
	t.transfer.SetPacketLength(j, len(data))
	j++
	t.isoPacketIdx = j
	if j == ring.pktsPerTransfer {
		ring.outIdx = (ring.outIdx + 1) % ring.transferCount
	}

	queued := ring.queuedPackets()
	halfCapacity := (ring.pktsPerTransfer * ring.transferCount) / 2
	var toSubmit []*isoTransferRecord
	if !ring.started {
		if queued >= halfCapacity {
			ring.started = true
			for k := 0; k < ring.transferCount/2; k++ {
				if ring.transfers[k].isoPacketIdx == ring.pktsPerTransfer {
					ring.transfers[k].isoPacketIdx = isoPacketSubmitted
					toSubmit = append(toSubmit, ring.transfers[k])
				}
			}
		}
	} else if j == ring.pktsPerTransfer {
		t.isoPacketIdx = isoPacketSubmitted
		toSubmit = append(toSubmit, t)
	}
	ctx := h.usbCtx
	h.lock.Unlock()

	for _, sub := range toSubmit {
		ctx.Submit(sub.transfer, h.isoCompletion)
	}
}

// queuedPackets counts how many packets have been queued since the ring
// last re-armed, computed directly from transfer fill cursors rather
// than from out_idx (Design Notes, "Open question — overflow
// accounting": out_idx alone goes stale once it wraps, so this counts
// forward from ring start instead). Caller must hold h.lock.
func (r *isoRing) queuedPackets() int {
	total := 0
	for _, t := range r.transfers {
		if t.isoPacketIdx == isoPacketSubmitted {
			total += r.pktsPerTransfer
		} else {
			total += t.isoPacketIdx
		}
	}
	return total
}
