package core

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/esptimecast/flasherd-go/chip"
	"github.com/esptimecast/flasherd-go/protocol"
)

// Identification handshake. The timings here are contracts, not
// tuning: the installer page and the retry policy both count on them.
const (
	identifyBaud = 115200

	syncAttempts   = 20
	syncReadWindow = 100 * time.Millisecond
	// after this many unacknowledged sync frames, pulse the reset
	// lines once and keep trying
	syncResetAfter = 11

	quiescence = 200 * time.Millisecond

	probeAttempts     = 5
	probeSlices       = 10
	probeSliceTimeout = 60 * time.Millisecond
	probeBackoff      = 100 * time.Millisecond

	resetHold = 100 * time.Millisecond
)

// The ROM answers the register read inside a stream of boot chatter;
// the reply is scanned as hex, not frame-decoded. The captured group
// is the little-endian magic value.
var magicProbeRe = regexp.MustCompile(`010a0[24]00([0-9a-f]{4,8})`)

// StartResult is the reply to a session start: the session handle plus
// what identification concluded.
type StartResult struct {
	Session  string `json:"session"`
	Family   string `json:"family"`
	HasBuild bool   `json:"hasBuild"`
	State    string `json:"state"`
}

// StartSession acquires the port, identifies the chip and leaves the
// session awaiting confirmation - or in a terminal state when the
// board is unknown or has no registered build.
func (c *Core) StartSession(path string) (*StartResult, error) {
	c.Log("start - locking sessionsMutex")
	c.sessionsMutex.Lock()
	for id, ss := range c.sessions {
		if ss.path != path {
			continue
		}
		if !ss.terminal() {
			c.sessionsMutex.Unlock()
			return nil, ErrOtherCall
		}
		delete(c.sessions, id)
	}
	s := &session{
		id:    c.newSessionID(),
		path:  path,
		state: StateIdle,
		call:  1,
	}
	c.sessions[s.id] = s
	c.sessionsMutex.Unlock()
	defer atomic.StoreInt32(&s.call, 0)

	c.Log(fmt.Sprintf("start - new session %s for %s", s.id, path))
	return c.startInner(s)
}

func (c *Core) startInner(s *session) (*StartResult, error) {
	info, err := c.portDescriptor(s.path)
	if err != nil {
		c.terminate(s, OutcomeFatal, err)
		return nil, err
	}
	// Enumerate and the status page read sessions under sessionsMutex
	// while identification runs, so every field write below takes it
	// too.
	c.sessionsMutex.Lock()
	s.info = info
	c.sessionsMutex.Unlock()

	hint := chip.Classify(chip.USBID{Vendor: info.VendorID, Product: info.ProductID})

	if hint == chip.HintS2Boot {
		// Native-USB S2 bootloaders are unreliable to probe; trust the
		// descriptor and never open a data connection here.
		c.Log("start - S2 bootloader descriptor, skipping probe")
		c.sessionsMutex.Lock()
		s.family = chip.ESP32S2
		s.resetMode = ResetUSB
		c.sessionsMutex.Unlock()
	} else {
		port, err := c.tryConnect(s.path, identifyBaud)
		if err != nil {
			c.terminate(s, OutcomeFatal, err)
			return nil, err
		}
		c.sessionsMutex.Lock()
		s.port = port
		c.sessionsMutex.Unlock()
		c.setState(s, StatePortAcquired)
		c.setState(s, StateIdentifying)
		c.emitStatus(s, "Detecting chip type")

		family, err := c.identify(s, hint)
		if err != nil {
			c.terminate(s, OutcomeFatal, err)
			return nil, err
		}
		c.sessionsMutex.Lock()
		s.family = family
		if info.Emulated {
			s.resetMode = ResetNone
		}
		c.sessionsMutex.Unlock()
	}

	if s.family == chip.Unknown {
		c.terminate(s, OutcomeUnknownDevice, ErrUnknownDevice)
		return c.startResult(s), nil
	}

	hasBuild := c.firmware.HasBuild(s.family)
	c.sessionsMutex.Lock()
	s.hasBuild = hasBuild
	c.sessionsMutex.Unlock()
	if !hasBuild {
		c.terminate(s, OutcomeUnsupportedBoard, ErrUnsupportedBoard)
		return c.startResult(s), nil
	}

	c.setState(s, StateAwaitingConfirmation)
	c.emitStatus(s, "Detected "+s.family.String())
	return c.startResult(s), nil
}

func (c *Core) startResult(s *session) *StartResult {
	return &StartResult{
		Session:  s.id,
		Family:   s.family.String(),
		HasBuild: s.hasBuild,
		State:    s.state.String(),
	}
}

// portDescriptor reads the USB descriptor of a path off the bus
// enumeration, before any bytes are exchanged with the device.
func (c *Core) portDescriptor(path string) (PortInfo, error) {
	infos, err := c.bus.Enumerate()
	if err != nil {
		return PortInfo{}, err
	}
	for _, info := range infos {
		if info.Path == path {
			return info, nil
		}
	}
	return PortInfo{}, ErrPortNotFound
}

// identify runs the sync handshake and the register probe on the open
// port. On return the port is released unless the chip is an ESP32-S2,
// whose downstream flashing reuses the handle.
func (c *Core) identify(s *session, hint chip.Hint) (chip.Family, error) {
	if err := c.syncHandshake(s); err != nil {
		return chip.Unknown, err
	}

	// let the line go quiet before probing
	c.sleep(quiescence)

	magic, gotMagic := c.readMagic(s)

	var family chip.Family
	if hint == chip.HintNativeCDC {
		// the PID hint wins outright over magic resolution
		family = chip.ESP32C3
		c.Log("identify - native CDC descriptor, fixing family ESP32-C3")
	} else if gotMagic {
		family = chip.ResolveMagic(magic)
		c.Log(fmt.Sprintf("identify - magic %#08x resolved to %s", magic, family))
	} else {
		family = chip.Unknown
		c.Log("identify - no magic value, family unknown")
	}

	if family != chip.ESP32S2 {
		c.releasePort(s)
	}
	return family, nil
}

// syncHandshake sends the fixed sync frame until the device
// acknowledges. After syncResetAfter silent attempts it pulses the
// control lines exactly once, then keeps trying.
func (c *Core) syncHandshake(s *session) error {
	if err := s.port.DiscardInput(); err != nil {
		c.Log("sync - discard failed: " + err.Error())
	}

	frame := protocol.Encode(protocol.SyncCommand())
	resetDone := false

	for attempt := 1; attempt <= syncAttempts; attempt++ {
		if attempt == syncResetAfter+1 && !resetDone {
			c.Log("sync - still silent, pulsing reset lines")
			c.resetPulse(s.port)
			resetDone = true
		}

		if _, err := s.port.Write(frame); err != nil {
			return err
		}
		buf, err := s.port.ReadTimeout(syncReadWindow)
		if err != nil {
			return err
		}
		if strings.Contains(hex.EncodeToString(buf), "18") {
			c.Log(fmt.Sprintf("sync - acknowledged on attempt %d", attempt))
			return nil
		}
	}
	return ErrSyncTimeout
}

// readMagic probes the chip-detect register. Each attempt accumulates
// read slices into a hex string and scans it for the reply pattern.
func (c *Core) readMagic(s *session) (uint32, bool) {
	frame := protocol.Encode(protocol.ReadRegCommand(protocol.MagicRegister))

	for attempt := 0; attempt < probeAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(probeBackoff)
		}
		// a superseded read may have left bytes behind
		if err := s.port.DiscardInput(); err != nil {
			c.Log("probe - discard failed: " + err.Error())
		}
		if _, err := s.port.Write(frame); err != nil {
			c.Log("probe - write failed: " + err.Error())
			return 0, false
		}

		var accumulated strings.Builder
		for slice := 0; slice < probeSlices; slice++ {
			buf, err := s.port.ReadTimeout(probeSliceTimeout)
			if err != nil {
				c.Log("probe - read failed: " + err.Error())
				return 0, false
			}
			accumulated.WriteString(hex.EncodeToString(buf))
			if m := magicProbeRe.FindStringSubmatch(accumulated.String()); m != nil {
				magic, err := parseLittleEndianHex(m[1])
				if err == nil {
					return magic, true
				}
				c.Log("probe - unparseable magic capture " + m[1])
			}
		}
	}
	return 0, false
}

// parseLittleEndianHex reverses a little-endian hex string byte-pair
// wise and parses it as an unsigned integer.
func parseLittleEndianHex(s string) (uint32, error) {
	if len(s)%2 != 0 {
		s = s[:len(s)-1]
	}
	reversed := make([]byte, 0, len(s))
	for i := len(s); i >= 2; i -= 2 {
		reversed = append(reversed, s[i-2], s[i-1])
	}
	v, err := strconv.ParseUint(string(reversed), 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// resetPulse toggles the control lines to hard-reset the device into
// its bootloader, for boards wired for DTR/RTS auto-reset.
func (c *Core) resetPulse(port Port) {
	_ = port.SetControlLines(false, true)
	c.sleep(resetHold)
	_ = port.SetControlLines(true, false)
	c.sleep(resetHold)
	_ = port.SetControlLines(false, false)
}

// rebootPulse resets the device into the freshly written application.
func (c *Core) rebootPulse(port Port) {
	_ = port.SetControlLines(false, true)
	c.sleep(resetHold)
	_ = port.SetControlLines(false, false)
}
