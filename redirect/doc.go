// Package redirect implements the USB host-side redirection engine: it
// binds a nativeusb.DeviceHandle to a protocol.Parser and translates peer
// commands into USB transfers and back. It is the Go port of
// usbredirhost — the endpoint state machines, the isochronous ring
// engine, the interrupt-in engine, the cancellation protocol, and the
// device-lifecycle transitions all live here.
package redirect
