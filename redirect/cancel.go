package redirect

import (
	"time"

	"github.com/usbredirhost/usbredirhost/protocol"
	"golang.org/x/sync/errgroup"
)

// drainPollInterval is how often clearDevice/setConfiguration poll the
// USB library's event loop while waiting for outstanding cancellations
// to land (spec.md §4.6, "Clear-device"; §5, "Suspension / blocking").
const drainPollInterval = 2500 * time.Microsecond

// cancelTransfer marks t cancelled and asks the native library to
// discard it, bumping cancelsPending. Caller must hold h.lock.
func (h *Host) cancelTransfer(t *transferRecord) {
	if t.cancelled {
		return
	}
	t.cancelled = true
	h.cancelsPend++
	if err := h.usbCtx.Cancel(t.transfer); err != nil {
		// Already gone from the library's perspective: the completion
		// that would have decremented cancelsPending will never arrive,
		// so account for it here instead.
		h.cancelsPend--
		t.cancelled = false
	}
}

// cancelAllPending cancels every in-flight control/bulk/interrupt-OUT
// transfer plus every endpoint's iso ring and interrupt-in slot — the
// full drain used by set_configuration and clear_device.
func (h *Host) cancelAllPending() {
	h.lock.Lock()
	var pending []*transferRecord
	h.registry.walk(func(t *transferRecord) { pending = append(pending, t) })
	for _, t := range pending {
		h.cancelTransfer(t)
	}
	h.lock.Unlock()

	h.cancelAllIsoAndInterruptIn()
}

// cancelOnInterface cancels only the pending work belonging to one
// interface, used by set_alt_setting (spec.md §4.6, "Set-alt-setting").
func (h *Host) cancelOnInterface(iface uint8) {
	h.lock.Lock()
	var pending []*transferRecord
	h.registry.walkOnInterface(h, iface, func(t *transferRecord) { pending = append(pending, t) })
	for _, t := range pending {
		h.cancelTransfer(t)
	}
	var isoEPs, interruptEPs []int
	for i := range h.endpoints {
		if h.endpoints[i].iface != iface {
			continue
		}
		if h.endpoints[i].iso != nil {
			isoEPs = append(isoEPs, i)
		}
		if h.endpoints[i].interruptIn != nil {
			interruptEPs = append(interruptEPs, i)
		}
	}
	h.lock.Unlock()

	var g errgroup.Group
	for _, i := range isoEPs {
		i := i
		g.Go(func() error { h.cancelIsoStream(i); return nil })
	}
	for _, i := range interruptEPs {
		i := i
		g.Go(func() error { h.cancelInterruptIn(i); return nil })
	}
	g.Wait()
}

// cancelAllIsoAndInterruptIn fans out cancellation across every
// endpoint's iso ring and interrupt-in slot concurrently (SPEC_FULL.md
// §10, errgroup in the drain path), then waits for all of them.
func (h *Host) cancelAllIsoAndInterruptIn() {
	h.lock.Lock()
	var isoEPs, interruptEPs []int
	for i := range h.endpoints {
		if h.endpoints[i].iso != nil {
			isoEPs = append(isoEPs, i)
		}
		if h.endpoints[i].interruptIn != nil {
			interruptEPs = append(interruptEPs, i)
		}
	}
	h.lock.Unlock()

	var g errgroup.Group
	for _, i := range isoEPs {
		i := i
		g.Go(func() error { h.cancelIsoStream(i); return nil })
	}
	for _, i := range interruptEPs {
		i := i
		g.Go(func() error { h.cancelInterruptIn(i); return nil })
	}
	g.Wait()
}

// drainPending polls the USB library's event loop with short timeouts
// until cancelsPending has dropped to zero and the registry and every
// iso/interrupt-in slot are empty (spec.md §3, invariants; §4.6,
// "Clear-device").
func (h *Host) drainPending() {
	for {
		h.lock.Lock()
		quiescent := h.cancelsPend == 0 && h.registry.empty() && h.allStreamsEmpty()
		ctx := h.usbCtx
		h.lock.Unlock()
		if quiescent || ctx == nil {
			return
		}
		ctx.HandleEventsTimeout(drainPollInterval)
	}
}

// allStreamsEmpty reports whether no endpoint has a live iso ring or
// interrupt-in slot. Caller must hold h.lock.
func (h *Host) allStreamsEmpty() bool {
	for i := range h.endpoints {
		if h.endpoints[i].iso != nil || h.endpoints[i].interruptIn != nil {
			return false
		}
	}
	return true
}

// CancelDataPacket implements protocol.CommandHandlers (spec.md §4.5):
// cancel-by-id targets only control/bulk/interrupt-OUT transfers; a
// miss means the request already completed and is not an error.
func (h *Host) CancelDataPacket(req protocol.CancelDataPacketHeader) {
	h.lock.Lock()
	defer h.lock.Unlock()
	t, ok := h.registry.byPeerID(req.ID)
	if !ok {
		return
	}
	h.cancelTransfer(t)
}
