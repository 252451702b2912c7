package nativeusb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVendorNameBuiltin(t *testing.T) {
	if got := VendorName(0x1d6b); got != "Linux Foundation" {
		t.Fatalf("VendorName(0x1d6b) = %q, want %q", got, "Linux Foundation")
	}
	if got := VendorName(0xffff); got != "" {
		t.Fatalf("VendorName(unknown) = %q, want empty", got)
	}
}

func TestProductNameBuiltin(t *testing.T) {
	if got := ProductName(0x046d, 0x08e5); got != "C920 PRO HD Webcam" {
		t.Fatalf("ProductName(0x046d, 0x08e5) = %q, want %q", got, "C920 PRO HD Webcam")
	}
	if got := ProductName(0x046d, 0x9999); got != "" {
		t.Fatalf("ProductName(known vendor, unknown product) = %q, want empty", got)
	}
}

func TestLoadIDsFileAddsEntry(t *testing.T) {
	content := "# test usb.ids fragment\n" +
		"1234  Test Vendor\n" +
		"\t5678  Test Product\n" +
		"C 09  Hub\n"
	path := filepath.Join(t.TempDir(), "usb.ids")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := LoadIDsFile(path); err != nil {
		t.Fatalf("LoadIDsFile: %v", err)
	}
	if got := VendorName(0x1234); got != "Test Vendor" {
		t.Fatalf("VendorName(0x1234) = %q, want %q", got, "Test Vendor")
	}
	if got := ProductName(0x1234, 0x5678); got != "Test Product" {
		t.Fatalf("ProductName(0x1234, 0x5678) = %q, want %q", got, "Test Product")
	}
}

func TestIsHexDigits(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"1234", true},
		{"abCD", true},
		{"12g4", false},
		{"", true},
	}
	for _, c := range cases {
		if got := isHexDigits(c.s); got != c.want {
			t.Errorf("isHexDigits(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}
