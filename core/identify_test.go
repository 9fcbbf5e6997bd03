package core

import (
	"encoding/binary"
	"testing"

	"github.com/esptimecast/flasherd-go/chip"
	"github.com/stretchr/testify/require"
)

// syncAck is a reply whose hex rendering contains "18", which is all
// the handshake scanner looks for.
var syncAck = []byte{0xC0, 0x01, 0x08, 0x04, 0x00, 0x00, 0x12, 0x20, 0x55, 0x18, 0xC0}

// magicReply builds a register-read reply carrying the little-endian
// magic value, as the probe regex expects to find it.
func magicReply(magic uint32) []byte {
	reply := []byte{0x01, 0x0A, 0x02, 0x00}
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], magic)
	reply = append(reply, le[:]...)
	return append(reply, 0x00, 0x00)
}

func bridgeBus(port *fakePort) *fakeBus {
	return &fakeBus{
		infos: []PortInfo{{Path: "tty0", VendorID: 0x10C4, ProductID: 0xEA60}},
		ports: map[string]*fakePort{"tty0": port},
	}
}

func TestIdentifyResolvesMagic(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0x00F01D83)}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "ESP32", res.Family)
	require.True(t, res.HasBuild)
	require.Equal(t, "awaiting-confirmation", res.State)
	// ESP32 is not an S2: the handle must be released after resolution
	require.True(t, port.closed)
}

func TestIdentifyAccumulatesProbeSlices(t *testing.T) {
	// the magic reply arrives split across read slices
	full := magicReply(0x00F01D83)
	port := &fakePort{reads: [][]byte{syncAck, full[:2], full[2:]}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "ESP32", res.Family)
}

func TestIdentifyS2KeepsPortOpen(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0x07C6)}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "ESP32-S2", res.Family)
	require.False(t, port.closed)
}

func TestIdentifyPIDHintOverridesMagic(t *testing.T) {
	// native-CDC descriptor: the PID hint wins even when the register
	// probe answers with another family's magic
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0x00F01D83)}}
	bus := &fakeBus{
		infos: []PortInfo{{Path: "cdc0", VendorID: 0x303A, ProductID: 0x1001}},
		ports: map[string]*fakePort{"cdc0": port},
	}
	c, _ := newTestCore(t, bus, allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("cdc0")
	require.NoError(t, err)
	require.Equal(t, "ESP32-C3", res.Family)
}

func TestIdentifyS2ByDescriptorSkipsProbe(t *testing.T) {
	bus := &fakeBus{
		infos: []PortInfo{{Path: "s2boot", VendorID: 0x303A, ProductID: 0x0002}},
	}
	c, _ := newTestCore(t, bus, allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("s2boot")
	require.NoError(t, err)
	require.Equal(t, "ESP32-S2", res.Family)
	require.Equal(t, "awaiting-confirmation", res.State)
	// the descriptor is trusted outright, no data connection is opened
	require.Equal(t, 0, bus.connects)
}

func TestIdentifyUnknownMagic(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0xDEADBEEF)}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "Unknown", res.Family)
	require.False(t, res.HasBuild)
	require.Equal(t, "unsupported", res.State)
	require.True(t, port.closed)
}

func TestIdentifyNoMagicReply(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncAck}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "Unknown", res.Family)
	require.Equal(t, "unsupported", res.State)
}

func TestIdentifyRecognizedWithoutBuild(t *testing.T) {
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0x2CE0806F)}}
	fw := &fakeFirmware{builds: map[chip.Family][]byte{chip.ESP32: []byte("fw")}}
	c, _ := newTestCore(t, bridgeBus(port), fw, &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "ESP32-C6", res.Family)
	require.False(t, res.HasBuild)
	require.Equal(t, "unsupported", res.State)
}

func TestSyncResetPulseAfterEleventhAttempt(t *testing.T) {
	// device never acknowledges
	port := &fakePort{}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	_, err := c.StartSession("tty0")
	require.ErrorIs(t, err, ErrSyncTimeout)

	// all 20 sync frames went out
	require.Len(t, port.writes, 20)
	// the reset pulse is three line settings, issued exactly once,
	// right after the 11th unacknowledged frame
	require.Len(t, port.lines, 3)
	require.Equal(t, 11, port.lineMarks[0])
	require.Equal(t, 11, port.lineMarks[1])
	require.Equal(t, 11, port.lineMarks[2])
	require.True(t, port.closed)
}

func TestSyncAckStopsHandshake(t *testing.T) {
	// silent for 4 reads, then acknowledges
	port := &fakePort{reads: [][]byte{{}, {}, {}, {}, syncAck, magicReply(0x00F01D83)}}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, nil)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.Equal(t, "ESP32", res.Family)
	// 5 sync frames plus 1 register probe
	require.Len(t, port.writes, 6)
	require.Empty(t, port.lines)
}

func TestStartSessionMissingPort(t *testing.T) {
	c, _ := newTestCore(t, &fakeBus{}, allBuilds(), &fakePrefs{}, nil)
	_, err := c.StartSession("nope")
	require.ErrorIs(t, err, ErrPortNotFound)
}

func TestParseLittleEndianHex(t *testing.T) {
	testcases := []struct {
		in  string
		out uint32
	}{
		{"831df000", 0x00F01D83},
		{"c6070000", 0x000007C6},
		{"0900", 0x0009},
		{"6f50", 0x506F},
	}
	for _, tc := range testcases {
		got, err := parseLittleEndianHex(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.out, got, "input %s", tc.in)
	}
}
