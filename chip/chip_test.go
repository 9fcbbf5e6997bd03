package chip

import (
	"testing"
)

// Every documented alias must resolve to its family; first match wins
// for the colliding short patterns.
func TestResolveMagic(t *testing.T) {
	testcases := []struct {
		magic  uint32
		family Family
	}{
		{0xFFF0C101, ESP8266},
		{0xC101, ESP8266},
		{0x00F01D83, ESP32},
		{0x00000009, ESP32S3},
		{0x00000000, ESP32S3},
		{0x9, ESP32S3},
		{0x6921506F, ESP32C3},
		{0x1B31506F, ESP32C3},
		{0x4881606F, ESP32C3},
		// 0x09 is listed among the C3 revisions too, but the ordered
		// scan keeps it with the S3
		{0x09, ESP32S3},
		{0x000007C6, ESP32S2},
		{0x00004359, ESP32S2},
		{0x4359, ESP32S2},
		{0x07C6, ESP32S2},
		{0x2CE0806F, ESP32C6},
		{0x2CE0106F, ESP32C6},
		{0xD422F199, ESP32H2},
		{0x1101406F, ESP32C2},
		// values outside the table
		{0xDEADBEEF, Unknown},
		{0x00F01D84, Unknown},
		{0x1, Unknown},
	}
	for _, tc := range testcases {
		if got := ResolveMagic(tc.magic); got != tc.family {
			t.Errorf("ResolveMagic(%#08x) = %s, expected %s", tc.magic, got, tc.family)
		}
	}
}

func TestFamilyString(t *testing.T) {
	if ESP32S2.String() != "ESP32-S2" {
		t.Errorf("got %q", ESP32S2.String())
	}
	if ESP8266.String() != "ESP8266" {
		t.Errorf("got %q", ESP8266.String())
	}
	if Unknown.String() != "Unknown" {
		t.Errorf("got %q", Unknown.String())
	}
	if Family(42).String() != "Unknown" {
		t.Errorf("got %q", Family(42).String())
	}
}

func TestClassify(t *testing.T) {
	testcases := []struct {
		id   USBID
		hint Hint
	}{
		{USBID{0x303A, 0x1001}, HintNativeCDC},
		{USBID{0x303A, 0x1002}, HintNativeCDC},
		{USBID{0x303A, 0x1003}, HintNativeCDC},
		{USBID{0x303A, 0x0002}, HintS2Boot},
		{USBID{0x303A, 0x0003}, HintS2Boot},
		{USBID{0x303A, 0x9999}, HintNone},
		// Espressif product ids under a different vendor mean nothing
		{USBID{0x10C4, 0x0002}, HintNone},
		{USBID{0x10C4, 0xEA60}, HintNone},
		{USBID{0, 0}, HintNone},
	}
	for _, tc := range testcases {
		if got := Classify(tc.id); got != tc.hint {
			t.Errorf("Classify(%04x:%04x) = %v, expected %v", tc.id.Vendor, tc.id.Product, got, tc.hint)
		}
	}
}

func TestKnownBridge(t *testing.T) {
	for _, vid := range []uint16{0x10C4, 0x1A86, 0x0403} {
		if !KnownBridge(vid) {
			t.Errorf("vendor %04x should be a known bridge", vid)
		}
	}
	if KnownBridge(0x303A) || KnownBridge(0x1234) {
		t.Error("unexpected bridge classification")
	}
}

func TestFlashOffset(t *testing.T) {
	testcases := []struct {
		family Family
		update bool
		offset uint32
	}{
		{ESP32, true, 0x10000},
		{ESP32, false, 0x0},
		{ESP32S2, true, 0x10000},
		{ESP32C3, false, 0x0},
		{ESP8266, true, 0x0},
		{ESP8266, false, 0x0},
	}
	for _, tc := range testcases {
		if got := FlashOffset(tc.family, tc.update); got != tc.offset {
			t.Errorf("FlashOffset(%s, %v) = %#x, expected %#x", tc.family, tc.update, got, tc.offset)
		}
	}
}
