// Command usbredirhostd binds one host-side USB device and redirects it
// to a single TCP peer, using package wire's framing (not the real
// usbredirparser wire format — see wire's package doc).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/usbredirhost/usbredirhost/nativeusb"
	"github.com/usbredirhost/usbredirhost/protocol"
	"github.com/usbredirhost/usbredirhost/redirect"
	"github.com/usbredirhost/usbredirhost/wire"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		addr      = flag.String("addr", ":9999", "TCP address to listen on for the redirection peer")
		vendorID  = flag.String("vendor", "", "hex vendor ID of the device to bind (e.g. 046d)")
		productID = flag.String("product", "", "hex product ID of the device to bind (e.g. 08e5)")
		busArg    = flag.Uint("bus", 0, "USB bus number, with -address, instead of -vendor/-product")
		addrArg   = flag.Uint("address", 0, "USB device address on -bus")
		idsFile   = flag.String("usb-ids", "", "optional path to a usb.ids file for friendlier log names")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *idsFile != "" {
		if err := nativeusb.LoadIDsFile(*idsFile); err != nil {
			logger.Warn("failed to load usb.ids file", "path", *idsFile, "err", err)
		}
	}

	dev, err := findDevice(*busArg, *addrArg, *vendorID, *productID)
	if err != nil {
		logger.Error("device selection failed", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("listen failed", "addr", *addr, "err", err)
		os.Exit(1)
	}
	logger.Info("waiting for redirection peer", "addr", *addr,
		"vendor", nativeusb.VendorName(dev.Descriptor.VendorID),
		"product", nativeusb.ProductName(dev.Descriptor.VendorID, dev.Descriptor.ProductID))

	conn, err := ln.Accept()
	if err != nil {
		logger.Error("accept failed", "err", err)
		os.Exit(1)
	}
	ln.Close()
	logger.Info("peer connected", "remote", conn.RemoteAddr())

	if err := serve(context.Background(), logger, dev, conn); err != nil && !errors.Is(err, io.EOF) {
		logger.Error("session ended with error", "err", err)
		os.Exit(1)
	}
}

func findDevice(bus, address uint, vendorHex, productHex string) (*nativeusb.Device, error) {
	devices, err := nativeusb.EnumerateDevices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if bus != 0 {
		for _, d := range devices {
			if uint(d.Bus) == bus && uint(d.Address) == address {
				return d, nil
			}
		}
		return nil, fmt.Errorf("no device at bus %d address %d", bus, address)
	}
	if vendorHex != "" && productHex != "" {
		vid, err := strconv.ParseUint(vendorHex, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("parse -vendor: %w", err)
		}
		pid, err := strconv.ParseUint(productHex, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("parse -product: %w", err)
		}
		for _, d := range devices {
			if d.Descriptor.VendorID == uint16(vid) && d.Descriptor.ProductID == uint16(pid) {
				return d, nil
			}
		}
		return nil, fmt.Errorf("no device matching %04x:%04x", vid, pid)
	}
	return nil, errors.New("specify either -bus/-address or -vendor/-product")
}

// serve binds dev and runs the redirection session against conn until the
// peer disconnects or the native device is lost.
func serve(ctx context.Context, logger *slog.Logger, dev *nativeusb.Device, conn net.Conn) error {
	handle, err := dev.Open()
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}

	p := wire.New(conn, "usbredirhostd", protocol.CapConnectDeviceVersion|protocol.CapDeviceDisconnectAck|protocol.CapEPInfoMaxPacketSize)
	p.SetLogFunc(func(level int, msg string) { logger.Debug(msg, "level", level) })
	p.SendHello()

	host := redirect.Open(p, redirect.WithLogger(logger), redirect.WithFlushCallback(func() {}))
	defer host.Close()

	if err := host.SetDevice(handle); err != nil {
		handle.Close()
		return fmt.Errorf("bind device: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pumpReads(gctx, host) })
	g.Go(func() error { return pumpWrites(gctx, host) })
	g.Go(func() error { return pumpEvents(gctx, host) })
	return g.Wait()
}

func pumpReads(ctx context.Context, host *redirect.Host) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := host.ReadGuestData(); err != nil {
			return err
		}
	}
}

func pumpWrites(ctx context.Context, host *redirect.Host) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !host.HasDataToWrite() {
				continue
			}
			if err := host.WriteGuestData(); err != nil {
				return err
			}
		}
	}
}

func pumpEvents(ctx context.Context, host *redirect.Host) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := host.PumpEvents(10 * time.Millisecond); err != nil {
			return err
		}
	}
}
