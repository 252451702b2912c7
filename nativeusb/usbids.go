package nativeusb

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// idDatabase resolves vendor/product/class IDs to human-readable names for
// log lines, the way lsusb/usbutils do against /usr/share/usb.ids. Adapted
// from the teacher's usbids.go; the device-identity fields it exposed
// through *Device are gone (Device no longer fetches sysfs string
// descriptors), but the lookup table itself is exactly the kind of ambient
// diagnostic aid redirect.Host's logging wants.
type idDatabase struct {
	mu      sync.RWMutex
	vendors map[uint16]idVendor
	classes map[uint8]string
	loaded  bool
}

type idVendor struct {
	Name     string
	Products map[uint16]string
}

var globalIDs = &idDatabase{
	vendors: make(map[uint16]idVendor),
	classes: make(map[uint8]string),
}

func init() {
	globalIDs.loadBuiltins()
}

func (db *idDatabase) loadBuiltins() {
	db.vendors[0x1d6b] = idVendor{
		Name: "Linux Foundation",
		Products: map[uint16]string{
			0x0001: "1.1 root hub",
			0x0002: "2.0 root hub",
			0x0003: "3.0 root hub",
		},
	}
	db.vendors[0x174c] = idVendor{
		Name: "ASMedia Technology Inc.",
		Products: map[uint16]string{
			0x2074: "ASM1074 High-Speed hub",
			0x3074: "ASM1074 SuperSpeed hub",
		},
	}
	db.vendors[0x046d] = idVendor{
		Name: "Logitech, Inc.",
		Products: map[uint16]string{
			0x08e5: "C920 PRO HD Webcam",
		},
	}
	db.vendors[0x05e3] = idVendor{
		Name: "Genesys Logic, Inc.",
		Products: map[uint16]string{
			0x0608: "Hub",
		},
	}

	db.classes[0x00] = "use class info in interface descriptors"
	db.classes[0x01] = "Audio"
	db.classes[0x02] = "Communications and CDC Control"
	db.classes[0x03] = "Human Interface Device"
	db.classes[0x05] = "Physical"
	db.classes[0x06] = "Image"
	db.classes[0x07] = "Printer"
	db.classes[0x08] = "Mass Storage"
	db.classes[0x09] = "Hub"
	db.classes[0x0a] = "CDC Data"
	db.classes[0x0b] = "Smart Card"
	db.classes[0x0d] = "Content Security"
	db.classes[0x0e] = "Video"
	db.classes[0x0f] = "Personal Healthcare"
	db.classes[0xdc] = "Diagnostic"
	db.classes[0xe0] = "Wireless"
	db.classes[0xef] = "Miscellaneous"
	db.classes[0xfe] = "Application Specific"
	db.classes[0xff] = "Vendor Specific"
}

// LoadIDsFile merges the vendor and product entries of a usb.ids-formatted
// file (the format /usr/share/hwdata/usb.ids ships in) into the table: a
// vendor or product the file names gets the file's name, and every other
// built-in entry is kept. Class ("C") sections of the file are skipped.
func LoadIDsFile(path string) error {
	db := globalIDs
	db.mu.Lock()
	defer db.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var currentVendor uint16
	inVendor := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(line, "C ") {
			inVendor = false
			continue
		}
		if !strings.HasPrefix(line, "\t") {
			if len(trimmed) < 4 || !isHexDigits(trimmed[:4]) {
				inVendor = false
				continue
			}
			vid, err := strconv.ParseUint(trimmed[:4], 16, 16)
			if err != nil {
				continue
			}
			currentVendor = uint16(vid)
			v := db.vendors[currentVendor]
			v.Name = strings.TrimSpace(trimmed[4:])
			if v.Products == nil {
				v.Products = make(map[uint16]string)
			}
			db.vendors[currentVendor] = v
			inVendor = true
			continue
		}
		if !inVendor {
			continue
		}
		body := strings.TrimSpace(line)
		if len(body) < 4 || !isHexDigits(body[:4]) {
			continue
		}
		pid, err := strconv.ParseUint(body[:4], 16, 16)
		if err != nil {
			continue
		}
		v := db.vendors[currentVendor]
		if v.Products == nil {
			v.Products = make(map[uint16]string)
		}
		v.Products[uint16(pid)] = strings.TrimSpace(body[4:])
		db.vendors[currentVendor] = v
	}
	db.loaded = true
	return scanner.Err()
}

func isHexDigits(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// VendorName returns the registered vendor name for vid, or "" if unknown.
func VendorName(vid uint16) string {
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	return globalIDs.vendors[vid].Name
}

// ProductName returns the registered product name for the (vid, pid) pair,
// or "" if unknown.
func ProductName(vid, pid uint16) string {
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	if v, ok := globalIDs.vendors[vid]; ok {
		return v.Products[pid]
	}
	return ""
}

// ClassName returns the USB-IF class name for a bDeviceClass/bInterfaceClass
// value, or "" if unknown.
func ClassName(class uint8) string {
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	return globalIDs.classes[class]
}
