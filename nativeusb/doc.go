// Package nativeusb is the native USB library collaborator assumed by
// package redirect: it opens real Linux USB devices through usbdevfs,
// submits and cancels URBs, and runs the event loop that reaps
// completions. redirect.Host never touches /dev/bus/usb directly; it only
// ever calls through the interfaces and types declared here.
package nativeusb
