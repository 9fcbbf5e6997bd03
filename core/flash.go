package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/esptimecast/flasherd-go/chip"
)

// Retry policy of the flashing loop. Exact contracts: three attempts
// total, a native-USB S2 that stays mute past the window needs its
// boot button, an S2 that fails fast on the first attempt gets one
// transparent re-acquisition.
const (
	flashAttempts      = 3
	s2BootloaderWindow = 15000 * time.Millisecond
	reacquireDelay     = 1000 * time.Millisecond

	reacquireScanMax   = 20
	reacquireScanDelay = 500 * time.Millisecond
)

// Confirm runs the flash for a session that finished identification.
// It blocks until the session reaches a terminal outcome. The context
// is checked at the cooperative checkpoints (between attempts); a
// started loader attempt always runs to completion.
func (c *Core) Confirm(id string, ctx context.Context) (Outcome, error) {
	c.Log("confirm - start")

	// block bus enumeration while the flash owns the port
	c.callMutex.Lock()
	c.callsInProgress++
	c.callMutex.Unlock()
	defer func() {
		c.callMutex.Lock()
		c.callsInProgress--
		c.callMutex.Unlock()
	}()

	s := c.findSession(id)
	if s == nil {
		return OutcomeNone, ErrSessionNotFound
	}
	if !atomic.CompareAndSwapInt32(&s.call, 0, 1) {
		return OutcomeNone, ErrOtherCall
	}
	defer atomic.StoreInt32(&s.call, 0)

	if s.state != StateAwaitingConfirmation {
		return OutcomeNone, ErrNotConfirmable
	}

	c.setState(s, StateFlashing)
	outcome, err := c.flash(s, ctx)
	c.terminate(s, outcome, err)
	return outcome, err
}

// flash is the bounded retry loop around single loader attempts.
func (c *Core) flash(s *session, ctx context.Context) (Outcome, error) {
	keep := c.prefs.KeepData()
	data, err := c.firmware.Image(s.family, keep)
	if err != nil {
		return OutcomeFatal, err
	}
	addr := chip.FlashOffset(s.family, keep)
	c.Log(fmt.Sprintf("flash - %s, keep data %v, %d bytes at %#x", s.family, keep, len(data), addr))

	var lastErr error
	for attempt := 1; attempt <= flashAttempts; attempt++ {
		if ctx.Err() != nil {
			c.Log("flash - cancelled between attempts")
			return OutcomeCancelled, nil
		}

		if s.port == nil {
			port, err := c.tryConnect(s.path, identifyBaud)
			if err != nil {
				return OutcomeFatal, err
			}
			s.port = port
		}

		c.emitStatus(s, fmt.Sprintf("Flashing (attempt %d)", attempt))
		started := c.now()
		err := c.flashOnce(s, data, addr, keep)
		if err == nil {
			c.emitStatus(s, "Firmware written, restarting device")
			return OutcomeSuccess, nil
		}
		lastErr = err
		elapsed := c.now().Sub(started)
		c.Log(fmt.Sprintf("flash - attempt %d failed after %s: %s", attempt, elapsed, err))

		if s.family == chip.ESP32S2 && elapsed >= s2BootloaderWindow {
			// Device enumerated but never answered inside the
			// native-USB window; retrying cannot help, the boot
			// button has to be held by hand.
			return OutcomeBootloaderRequired, ErrBootloaderRequired
		}

		if s.family == chip.ESP32S2 && attempt == 1 {
			// fast failure - the part rebooted and re-enumerated under
			// our feet; pick it up again and retry transparently
			c.emitStatus(s, "Device re-enumerated, reconnecting")
			c.releasePort(s)
			c.sleep(reacquireDelay)
			if !c.reacquire(s, ctx) {
				return OutcomeCancelled, nil
			}
			continue
		}

		return OutcomeFatal, lastErr
	}
	return OutcomeFatal, lastErr
}

// flashOnce is one full loader invocation: connect, write, reboot.
func (c *Core) flashOnce(s *session, data []byte, addr uint32, update bool) error {
	ld := c.newLoader(LoaderConfig{
		Port: s.port,
		Baud: identifyBaud,
		Progress: func(f float64) {
			c.emitProgress(s, f)
		},
		Log: c.log,
	})

	name, err := ld.Connect(s.resetMode)
	if err != nil {
		return err
	}
	c.Log("flash - loader connected to " + name)

	err = ld.WriteImage(ImageJob{
		Data:     data,
		Address:  addr,
		EraseAll: !update,
		Compress: s.family != chip.ESP8266 && !s.info.Emulated,
	})
	if err != nil {
		return err
	}

	c.rebootPulse(s.port)
	return nil
}

// reacquire finds the re-enumerated device again by descriptor - same
// path or any native-USB S2 - without a user-facing picker. Gives up
// when the scan bound elapses or the caller went away.
func (c *Core) reacquire(s *session, ctx context.Context) bool {
	for i := 0; i < reacquireScanMax; i++ {
		if ctx.Err() != nil {
			return false
		}

		infos, err := c.bus.Enumerate()
		if err != nil {
			c.Log("reacquire - enumerate failed: " + err.Error())
		}
		for _, info := range infos {
			id := chip.USBID{Vendor: info.VendorID, Product: info.ProductID}
			if info.Path != s.path && !chip.IsS2Boot(id) {
				continue
			}
			port, err := c.tryConnect(info.Path, identifyBaud)
			if err != nil {
				c.Log("reacquire - connect failed: " + err.Error())
				continue
			}
			c.sessionsMutex.Lock()
			s.path = info.Path
			s.info = info
			s.port = port
			if chip.IsS2Boot(id) {
				s.resetMode = ResetUSB
			}
			c.sessionsMutex.Unlock()
			c.Log("reacquire - reconnected on " + info.Path)
			return true
		}

		c.sleep(reacquireScanDelay)
	}
	c.Log("reacquire - gave up")
	return false
}
