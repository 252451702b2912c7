//go:build linux

package nativeusb

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Context is the native library's event-loop handle: one per DeviceHandle,
// it owns the correlation table between submitted URBs and the Transfer
// that issued them, and runs the reap loop that stands in for
// libusb_handle_events_timeout.
type Context struct {
	handle *DeviceHandle
	reap   *reapRegistry
}

// NewContext creates the event loop for handle.
func NewContext(handle *DeviceHandle) *Context {
	return &Context{handle: handle, reap: newReapRegistry()}
}

// Submit hands a prepared Transfer to the kernel. callback runs on a
// later HandleEventsTimeout call, from whatever goroutine calls it — the
// caller (package redirect) is responsible for serializing with its own
// lock, exactly as libusb's contract requires.
func (c *Context) Submit(t *Transfer, callback func(*Transfer)) error {
	t.mgr = c.reap
	id := c.reap.register(t)
	t.id = id

	n := len(t.isoPacketLengths)
	size := int(unsafe.Sizeof(urb{})) + n*int(unsafe.Sizeof(isoPacketDesc{}))
	raw := make([]byte, size)

	hdr := (*urb)(unsafe.Pointer(&raw[0]))
	hdr.Type = urbTypeFor(t.typ)
	hdr.Endpoint = t.endpoint
	hdr.BufferLength = int32(len(t.buffer))
	hdr.NumberOfPackets = int32(n)
	hdr.UserContext = uintptr(id)
	if len(t.buffer) > 0 {
		hdr.Buffer = uintptr(unsafe.Pointer(&t.buffer[0]))
	}
	if t.typ == TransferTypeIsochronous {
		hdr.Flags |= urbISOASAP
		descs := isoDescs(raw, n)
		for i, l := range t.isoPacketLengths {
			descs[i].Length = l
		}
	}

	c.reap.attach(id, raw, callback)
	if _, err := ioctl(c.handle.fd, usbdevfsSubmitURB, unsafe.Pointer(&raw[0])); err != nil {
		c.reap.forget(id)
		return err
	}
	return nil
}

// Cancel asks the kernel to discard an in-flight URB. The corresponding
// completion still arrives via HandleEventsTimeout with StatusCancelled;
// Cancel itself never invokes the callback.
func (c *Context) Cancel(t *Transfer) error {
	sub, ok := c.reap.peek(t.id)
	if !ok {
		return ErrNotFound
	}
	_, err := ioctl(c.handle.fd, usbdevfsDiscardURB, unsafe.Pointer(&sub.raw[0]))
	return err
}

func urbTypeFor(t TransferType) uint8 {
	switch t {
	case TransferTypeControl:
		return urbTypeControl
	case TransferTypeBulk:
		return urbTypeBulk
	case TransferTypeInterrupt:
		return urbTypeInterrupt
	case TransferTypeIsochronous:
		return urbTypeISO
	default:
		return urbTypeBulk
	}
}

func isoDescs(raw []byte, n int) []isoPacketDesc {
	if n == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(&raw[0])) + unsafe.Sizeof(urb{})
	return unsafe.Slice((*isoPacketDesc)(unsafe.Pointer(base)), n)
}

// HandleEventsTimeout reaps and dispatches completed URBs for up to
// timeout, the way libusb_handle_events_timeout does. It returns nil as
// soon as it has dispatched at least one completion, or once timeout has
// elapsed with nothing to reap — callers that want to drain a steady
// trickle of completions call it in a loop (Design Notes, "Suspension
// model").
func (c *Context) HandleEventsTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var ptr uintptr
		_, err := ioctl(c.handle.fd, usbdevfsReapURBNDelay, unsafe.Pointer(&ptr))
		if err == nil {
			c.dispatch(ptr)
			return nil
		}
		if err != errAgain {
			return err
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(250 * time.Microsecond)
	}
}

func (c *Context) dispatch(rawPtr uintptr) {
	hdr := (*urb)(unsafe.Pointer(rawPtr))
	id := uint64(hdr.UserContext)
	sub, ok := c.reap.take(id)
	if !ok {
		return
	}
	t := sub.transfer

	t.status = statusFromErrno(hdr.Status)
	t.actualLength = int(hdr.ActualLength)
	if n := len(t.isoPacketLengths); n > 0 {
		descs := isoDescs(sub.raw, n)
		for i := 0; i < n; i++ {
			t.isoPacketActual[i] = descs[i].ActualLength
			t.isoPacketStatus[i] = statusFromErrno(int32(descs[i].Status))
		}
	}
	if sub.callback != nil {
		sub.callback(t)
	}
}

func statusFromErrno(status int32) Status {
	switch -status {
	case 0:
		return StatusCompleted
	case int32(unix.ECONNRESET), int32(unix.ENOENT):
		return StatusCancelled
	case int32(unix.EPIPE):
		return StatusStall
	case int32(unix.ETIMEDOUT):
		return StatusTimedOut
	case int32(unix.ENODEV), int32(unix.ESHUTDOWN):
		return StatusNoDevice
	case int32(unix.EOVERFLOW):
		return StatusOverflow
	default:
		if status == 0 {
			return StatusCompleted
		}
		return StatusError
	}
}
