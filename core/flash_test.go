package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/esptimecast/flasherd-go/chip"
	"github.com/stretchr/testify/require"
)

// seedSession plants an identified session the way StartSession leaves
// it, so the retry policy can be exercised in isolation.
func seedSession(c *Core, family chip.Family, port *fakePort) string {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	s := &session{
		id:       c.newSessionID(),
		path:     "tty0",
		info:     PortInfo{Path: "tty0", VendorID: 0x10C4, ProductID: 0xEA60},
		port:     port,
		family:   family,
		hasBuild: true,
		state:    StateAwaitingConfirmation,
	}
	c.sessions[s.id] = s
	return s.id
}

func TestGenericFailureIsFatalAfterOneAttempt(t *testing.T) {
	attempts := 0
	factory := func(cfg LoaderConfig) Loader {
		attempts++
		return &scriptedLoader{
			connect: func(mode ResetMode) (string, error) {
				return "", errors.New("boom")
			},
		}
	}
	port := &fakePort{}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, factory)
	id := seedSession(c, chip.ESP32, port)

	outcome, err := c.Confirm(id, context.Background())
	require.Error(t, err)
	require.Equal(t, OutcomeFatal, outcome)
	// no retry for generic failures
	require.Equal(t, 1, attempts)
	require.True(t, port.closed)
}

func TestS2TransientDesyncRecovers(t *testing.T) {
	attempts := 0
	factory := func(cfg LoaderConfig) Loader {
		attempts++
		n := attempts
		return &scriptedLoader{
			connect: func(mode ResetMode) (string, error) {
				if n == 1 {
					return "", errors.New("desync")
				}
				return "ESP32-S2", nil
			},
		}
	}
	port1 := &fakePort{}
	port2 := &fakePort{}
	bus := &fakeBus{
		infos: []PortInfo{{Path: "s2new", VendorID: 0x303A, ProductID: 0x0002}},
		ports: map[string]*fakePort{"s2new": port2},
	}
	c, _ := newTestCore(t, bus, allBuilds(), &fakePrefs{}, factory)
	id := seedSession(c, chip.ESP32S2, port1)

	outcome, err := c.Confirm(id, context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)
	// exactly two attempts and exactly one re-acquisition
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, bus.connects)
	require.True(t, port1.closed)
	require.True(t, port2.closed) // released on terminal
}

func TestS2SlowFailureNeedsBootButton(t *testing.T) {
	attempts := 0
	var clkRef *fakeClock
	factory := func(cfg LoaderConfig) Loader {
		attempts++
		return &scriptedLoader{
			connect: func(mode ResetMode) (string, error) {
				// the native-USB part enumerated but never answered
				clkRef.advance(16 * time.Second)
				return "", errors.New("no answer")
			},
		}
	}
	port := &fakePort{}
	c, clk := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, factory)
	clkRef = clk
	id := seedSession(c, chip.ESP32S2, port)

	outcome, err := c.Confirm(id, context.Background())
	require.ErrorIs(t, err, ErrBootloaderRequired)
	require.Equal(t, OutcomeBootloaderRequired, outcome)
	// the 3-attempt budget does not apply to bootloader-mode failures
	require.Equal(t, 1, attempts)
	require.True(t, port.closed)
}

func TestS2ReacquisitionFailureCancels(t *testing.T) {
	attempts := 0
	factory := func(cfg LoaderConfig) Loader {
		attempts++
		return &scriptedLoader{
			connect: func(mode ResetMode) (string, error) {
				return "", errors.New("desync")
			},
		}
	}
	port := &fakePort{}
	// nothing espressif ever shows up again
	bus := &fakeBus{}
	c, _ := newTestCore(t, bus, allBuilds(), &fakePrefs{}, factory)
	id := seedSession(c, chip.ESP32S2, port)

	outcome, err := c.Confirm(id, context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, outcome)
	require.Equal(t, 1, attempts)
}

func TestAddressSelection(t *testing.T) {
	testcases := []struct {
		family   chip.Family
		keep     bool
		addr     uint32
		eraseAll bool
	}{
		{chip.ESP32, true, 0x10000, false},
		{chip.ESP32, false, 0x0, true},
		{chip.ESP8266, true, 0x0, false},
		{chip.ESP8266, false, 0x0, true},
	}
	for _, tc := range testcases {
		var job ImageJob
		factory := func(cfg LoaderConfig) Loader {
			return &scriptedLoader{
				writeImage: func(j ImageJob) error {
					job = j
					return nil
				},
			}
		}
		port := &fakePort{}
		c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{keep: tc.keep}, factory)
		id := seedSession(c, tc.family, port)

		outcome, err := c.Confirm(id, context.Background())
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, outcome)
		require.Equal(t, tc.addr, job.Address, "%s keep=%v", tc.family, tc.keep)
		require.Equal(t, tc.eraseAll, job.EraseAll, "%s keep=%v", tc.family, tc.keep)
	}
}

func TestCompressionSkippedOnESP8266(t *testing.T) {
	var jobs []ImageJob
	factory := func(cfg LoaderConfig) Loader {
		return &scriptedLoader{
			writeImage: func(j ImageJob) error {
				jobs = append(jobs, j)
				return nil
			},
		}
	}
	for _, family := range []chip.Family{chip.ESP8266, chip.ESP32} {
		port := &fakePort{}
		c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, factory)
		id := seedSession(c, family, port)
		_, err := c.Confirm(id, context.Background())
		require.NoError(t, err)
	}
	require.Len(t, jobs, 2)
	require.False(t, jobs[0].Compress)
	require.True(t, jobs[1].Compress)
}

func TestConfirmReopensReleasedPort(t *testing.T) {
	// identification closes non-S2 ports; the flash loop reopens them
	factory := func(cfg LoaderConfig) Loader {
		return &scriptedLoader{}
	}
	port := &fakePort{reads: [][]byte{syncAck, magicReply(0x00F01D83)}}
	bus := bridgeBus(port)
	c, _ := newTestCore(t, bus, allBuilds(), &fakePrefs{}, factory)

	res, err := c.StartSession("tty0")
	require.NoError(t, err)
	require.True(t, port.closed)

	connectsBefore := bus.connects
	outcome, err := c.Confirm(res.Session, context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)
	require.Equal(t, connectsBefore+1, bus.connects)
}

func TestConfirmCancelledContext(t *testing.T) {
	attempts := 0
	factory := func(cfg LoaderConfig) Loader {
		attempts++
		return &scriptedLoader{}
	}
	port := &fakePort{}
	c, _ := newTestCore(t, bridgeBus(port), allBuilds(), &fakePrefs{}, factory)
	id := seedSession(c, chip.ESP32, port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := c.Confirm(id, ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, outcome)
	require.Equal(t, 0, attempts)
	require.True(t, port.closed)
}

func TestConfirmGuards(t *testing.T) {
	c, _ := newTestCore(t, &fakeBus{}, allBuilds(), &fakePrefs{}, nil)
	_, err := c.Confirm("nope", context.Background())
	require.ErrorIs(t, err, ErrSessionNotFound)

	port := &fakePort{}
	id := seedSession(c, chip.ESP32, port)
	c.sessionsMutex.Lock()
	c.sessions[id].state = StateSuccess
	c.sessionsMutex.Unlock()
	_, err = c.Confirm(id, context.Background())
	require.ErrorIs(t, err, ErrNotConfirmable)
}
