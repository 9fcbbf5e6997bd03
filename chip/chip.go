package chip

// Package chip knows the ESP silicon families: how a chip-detect magic
// value or a USB descriptor maps onto one, and where firmware images
// land on each.

// Family identifies the silicon family of an attached microcontroller.
// It is produced only by identification and never changes afterwards.
type Family int

const (
	Unknown Family = iota
	ESP8266
	ESP32
	ESP32C2
	ESP32C3
	ESP32C6
	ESP32H2
	ESP32S2
	ESP32S3
)

func (f Family) String() string {
	switch f {
	case ESP8266:
		return "ESP8266"
	case ESP32:
		return "ESP32"
	case ESP32C2:
		return "ESP32-C2"
	case ESP32C3:
		return "ESP32-C3"
	case ESP32C6:
		return "ESP32-C6"
	case ESP32H2:
		return "ESP32-H2"
	case ESP32S2:
		return "ESP32-S2"
	case ESP32S3:
		return "ESP32-S3"
	default:
		return "Unknown"
	}
}

// ParseFamily maps a family name as it appears in firmware manifests
// back to the Family value, or Unknown for names this build does not
// know.
func ParseFamily(name string) Family {
	for f := ESP8266; f <= ESP32S3; f++ {
		if f.String() == name {
			return f
		}
	}
	return Unknown
}

// magicAliases maps chip-detect register values to families. Several
// raw patterns alias to one family across silicon revisions, and some
// short patterns collide between families; lookup is first match over
// this ordered list, so 0x09 stays with ESP32-S3 even though it also
// shows up among the C3 revision values.
var magicAliases = []struct {
	magic  uint32
	family Family
}{
	{0xFFF0C101, ESP8266},
	{0xC101, ESP8266},
	{0x00F01D83, ESP32},
	{0x00000009, ESP32S3},
	{0x00000000, ESP32S3},
	{0x6921506F, ESP32C3},
	{0x1B31506F, ESP32C3},
	{0x4881606F, ESP32C3},
	{0x09, ESP32C3}, // unreachable, S3 wins by order
	{0x000007C6, ESP32S2},
	{0x00004359, ESP32S2},
	{0x4359, ESP32S2},
	{0x07C6, ESP32S2},
	{0x2CE0806F, ESP32C6},
	{0x2CE0106F, ESP32C6},
	{0xD422F199, ESP32H2},
	{0x1101406F, ESP32C2},
}

// ResolveMagic maps a chip-detect magic value to its family, or
// Unknown when the value matches no known revision.
func ResolveMagic(magic uint32) Family {
	for _, a := range magicAliases {
		if a.magic == magic {
			return a.family
		}
	}
	return Unknown
}

// EspressifVendor is the USB vendor id of native-USB ESP parts.
const EspressifVendor uint16 = 0x303A

// USBID is the vendor/product pair read from the port descriptor
// before any protocol bytes are exchanged.
type USBID struct {
	Vendor  uint16
	Product uint16
}

// Hint classifies what a USB descriptor says about the attached part.
type Hint int

const (
	HintNone Hint = iota

	// HintNativeCDC is the integrated USB-CDC descriptor shared by two
	// families; tentatively ESP32-C3, confirmed or overridden by the
	// register probe.
	HintNativeCDC

	// HintS2Boot is an ESP32-S2 enumerated through its native-USB
	// bootloader. The descriptor is trusted outright; probing these
	// parts over the data channel is unreliable.
	HintS2Boot
)

func Classify(id USBID) Hint {
	if id.Vendor != EspressifVendor {
		return HintNone
	}
	switch id.Product {
	case 0x1001, 0x1002, 0x1003:
		return HintNativeCDC
	case 0x0002, 0x0003:
		return HintS2Boot
	}
	return HintNone
}

// IsS2Boot reports whether the descriptor belongs to an ESP32-S2
// native-USB bootloader, used when re-discovering a rebooted part.
func IsS2Boot(id USBID) bool {
	return Classify(id) == HintS2Boot
}

// KnownBridge reports whether the vendor id belongs to a USB-to-serial
// bridge commonly found on ESP development boards.
func KnownBridge(vendor uint16) bool {
	switch vendor {
	case 0x10C4, 0x1A86, 0x0403: // CP210x, CH34x, FTDI
		return true
	}
	return false
}

// FlashOffset returns where an image variant lands. Update images
// preserve the settings region below 0x10000 on 32-bit families;
// the ESP8266 layout has no such region and always flashes from zero.
func FlashOffset(f Family, update bool) uint32 {
	if f == ESP8266 {
		return 0x0
	}
	if update {
		return 0x10000
	}
	return 0x0
}
