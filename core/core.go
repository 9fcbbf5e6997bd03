package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/esptimecast/flasherd-go/chip"
	"github.com/esptimecast/flasherd-go/memorywriter"
)

// Package with the core logic of port listing, chip identification
// and flash session supervision.
//
// The serial package is not imported - buses and ports are abstract
// interfaces here, so the session logic can be exercised with scripted
// fakes and the serial implementation stays swappable (real ports and
// the UDP emulator satisfy the same contract).

// Bus enumerates serial ports and opens them. Implemented in the
// serial package.
type Bus interface {
	Enumerate() ([]PortInfo, error)
	Connect(path string, baud int) (Port, error)
	Has(path string) bool
}

// PortInfo is the descriptor of one enumerated port, read before any
// protocol bytes are exchanged.
type PortInfo struct {
	Path      string
	VendorID  uint16
	ProductID uint16
	Emulated  bool
}

// Port is one open duplex byte stream. ReadTimeout returns an empty
// slice when the window elapses without data; the read is superseded,
// not cancelled, so callers discard buffered input before starting a
// fresh request/response cycle.
type Port interface {
	Write(p []byte) (int, error)
	ReadTimeout(d time.Duration) ([]byte, error)
	SetControlLines(dtr, rts bool) error
	DiscardInput() error
	Close() error
}

// Firmware looks up registered builds. Implemented in the firmware
// package; a lookup miss is the "recognized chip, no build" case.
type Firmware interface {
	HasBuild(f chip.Family) bool
	Image(f chip.Family, update bool) ([]byte, error)
}

// Prefs is the persisted user preference read before each flash.
type Prefs interface {
	KeepData() bool
}

// ResetMode tells the loader how to get the chip into its bootloader.
type ResetMode int

const (
	ResetDefault ResetMode = iota // classic DTR/RTS auto-reset
	ResetNone                     // emulator, already listening
	ResetUSB                      // native-USB parts
)

// ImageJob is one erase+program request handed to the loader.
type ImageJob struct {
	Data     []byte
	Address  uint32
	EraseAll bool
	Compress bool
}

// Loader programs an identified chip. The real implementation lives in
// the loader package; once invoked for an attempt it runs to
// completion, there is no mid-flash cancellation.
type Loader interface {
	Connect(mode ResetMode) (string, error)
	WriteImage(job ImageJob) error
}

// LoaderConfig carries what a loader needs for one attempt.
type LoaderConfig struct {
	Port     Port
	Baud     int
	Progress func(float64)
	Log      *memorywriter.MemoryWriter
}

type LoaderFactory func(cfg LoaderConfig) Loader

// State is where a session currently stands.
type State int

const (
	StateIdle State = iota
	StatePortAcquired
	StateIdentifying
	StateAwaitingConfirmation
	StateFlashing
	StateSuccess
	StateCancelled
	StateUnsupported
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePortAcquired:
		return "port-acquired"
	case StateIdentifying:
		return "identifying"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StateFlashing:
		return "flashing"
	case StateSuccess:
		return "success"
	case StateCancelled:
		return "cancelled"
	case StateUnsupported:
		return "unsupported"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the terminal classification of a session.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeCancelled
	OutcomeUnsupportedBoard
	OutcomeUnknownDevice
	OutcomeBootloaderRequired
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeUnsupportedBoard:
		return "unsupported-board"
	case OutcomeUnknownDevice:
		return "unknown-device"
	case OutcomeBootloaderRequired:
		return "bootloader-required"
	case OutcomeFatal:
		return "fatal"
	default:
		return ""
	}
}

// Event is what the presentation layer sees: status lines, progress
// fractions, state changes and the terminal outcome. Nothing else
// leaks out of the core.
type Event struct {
	Type     string   `json:"type"` // "status" | "progress" | "state" | "outcome"
	Text     string   `json:"text,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	State    string   `json:"state,omitempty"`
	Outcome  string   `json:"outcome,omitempty"`
}

type session struct {
	id        string
	path      string
	info      PortInfo
	port      Port
	family    chip.Family
	hasBuild  bool
	resetMode ResetMode
	state     State
	outcome   Outcome
	call      int32 // atomic

	subsMutex  sync.Mutex
	subs       []chan Event
	subsClosed bool
	delivered  bool // outcome reached at least one subscriber
}

func (s *session) terminal() bool {
	switch s.state {
	case StateSuccess, StateCancelled, StateUnsupported, StateFatal:
		return true
	}
	return false
}

func (s *session) outcomeSeen() bool {
	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()
	return s.delivered
}

type Core struct {
	bus       Bus
	firmware  Firmware
	prefs     Prefs
	newLoader LoaderFactory

	sessions      map[string]*session
	sessionsMutex sync.Mutex // for atomic access to sessions

	callsInProgress int        // we cannot flash and enumerate the bus at the same time
	callMutex       sync.Mutex // for atomic access to callsInProgress, plus prevent enumeration
	lastInfos       []PortInfo // when flash is in progress, use saved info for enumerating

	log *memorywriter.MemoryWriter

	// injected for the retry-policy tests, real time otherwise
	now   func() time.Time
	sleep func(time.Duration)
}

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrOtherCall          = errors.New("other call in progress")
	ErrNotConfirmable     = errors.New("session is not awaiting confirmation")
	ErrPortNotFound       = errors.New("port not found")
	ErrSyncTimeout        = errors.New("no response to sync handshake")
	ErrUnknownDevice      = errors.New("could not identify attached chip")
	ErrUnsupportedBoard   = errors.New("no firmware build registered for this chip")
	ErrBootloaderRequired = errors.New("device needs its boot button held during reset")
	ErrDeviceLost         = errors.New("device disappeared during session")
)

func New(bus Bus, fw Firmware, prefs Prefs, lf LoaderFactory, log *memorywriter.MemoryWriter) *Core {
	return &Core{
		bus:       bus,
		firmware:  fw,
		prefs:     prefs,
		newLoader: lf,
		sessions:  make(map[string]*session),
		log:       log,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

func (c *Core) Log(s string) {
	c.log.Println("core - " + s)
}

// EnumerateEntry is one port in the /enumerate reply.
type EnumerateEntry struct {
	Path      string  `json:"path"`
	Vendor    int     `json:"vendor"`
	Product   int     `json:"product"`
	Espressif bool    `json:"espressif"`
	Session   *string `json:"session"`
}

type EnumerateEntries []EnumerateEntry

func (entries EnumerateEntries) Len() int {
	return len(entries)
}
func (entries EnumerateEntries) Less(i, j int) bool {
	return entries[i].Path < entries[j].Path
}
func (entries EnumerateEntries) Swap(i, j int) {
	entries[i], entries[j] = entries[j], entries[i]
}
func (entries EnumerateEntries) Sort() {
	sort.Sort(entries)
}

func (c *Core) Enumerate() ([]EnumerateEntry, error) {
	// Lock for atomic access to c.sessions.
	c.Log("enumerate locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	// Lock for atomic access to c.callsInProgress. It needs to be over
	// the whole function, so that a flash does not actually start
	// while enumerating.
	c.Log("enumerate locking callMutex")
	c.callMutex.Lock()
	defer c.callMutex.Unlock()

	// Use saved info if a flash is in progress, otherwise enumerate.
	infos := c.lastInfos

	c.Log(fmt.Sprintf("enumerate callsInProgress %d", c.callsInProgress))
	if c.callsInProgress == 0 {
		c.Log("enumerate bus")
		busInfos, err := c.bus.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = busInfos
		c.lastInfos = infos
	}

	entries := c.createEnumerateEntries(infos)
	c.Log("enumerate drop disconnected")
	c.dropDisconnected(infos)
	return entries, nil
}

func (c *Core) createEnumerateEntries(infos []PortInfo) EnumerateEntries {
	entries := make(EnumerateEntries, 0, len(infos))
	for _, info := range infos {
		e := EnumerateEntry{
			Path:      info.Path,
			Vendor:    int(info.VendorID),
			Product:   int(info.ProductID),
			Espressif: info.VendorID == chip.EspressifVendor || chip.KnownBridge(info.VendorID),
		}
		for _, ss := range c.sessions {
			if ss.path == info.Path && !ss.terminal() {
				// Copying to prevent overwriting on StartSession and
				// wrong comparison in Listen.
				ssidCopy := ss.id
				e.Session = &ssidCopy
			}
		}
		entries = append(entries, e)
	}
	entries.Sort()
	return entries
}

// dropDisconnected terminates sessions whose port vanished from the
// bus. Sessions with a flash in progress are skipped - the S2 recovery
// path legitimately watches its device disappear and come back. A
// finished session stays around until somebody has seen its outcome,
// so a subscriber arriving after an unplug still gets the replay.
func (c *Core) dropDisconnected(infos []PortInfo) {
	for ssid, ss := range c.sessions {
		if atomic.LoadInt32(&ss.call) == 1 {
			continue
		}
		connected := false
		for _, info := range infos {
			if ss.path == info.Path {
				connected = true
			}
		}
		if connected {
			continue
		}
		if ss.terminal() {
			if ss.outcomeSeen() {
				delete(c.sessions, ssid)
			}
			continue
		}
		c.Log(fmt.Sprintf("dropping session %s of disconnected device", ssid))
		c.terminate(ss, OutcomeFatal, ErrDeviceLost)
	}
}

// Listen long-polls until the port list changes from what the caller
// already has, or the bound elapses.
func (c *Core) Listen(entries []EnumerateEntry, ctx context.Context) ([]EnumerateEntry, error) {
	c.Log("listen starting")

	const (
		iterMax   = 600
		iterDelay = 500 // ms
	)

	EnumerateEntries(entries).Sort()

	for i := 0; i < iterMax; i++ {
		e, enumErr := c.Enumerate()
		if enumErr != nil {
			return nil, enumErr
		}
		if reflect.DeepEqual(entries, []EnumerateEntry(e)) {
			select {
			case <-ctx.Done():
				c.Log("listen request closed")
				return nil, nil
			default:
				time.Sleep(iterDelay * time.Millisecond)
			}
		} else {
			c.Log("listen different")
			entries = e
			break
		}
	}
	c.Log("listen encoding and exiting")
	return entries, nil
}

var latestSessionID = 0

// newSessionID must be called with sessionsMutex held.
func (c *Core) newSessionID() string {
	latestSessionID++
	return strconv.Itoa(latestSessionID)
}

// The installer page retries opening right after the OS re-enumerates
// a port, and so do we. Bad timing can produce an open error.
// Try 3 extra times with a 100ms delay.
func (c *Core) tryConnect(path string, baud int) (Port, error) {
	tries := 0
	for {
		c.Log(fmt.Sprintf("tryConnect - try number %d", tries))
		port, err := c.bus.Connect(path, baud)
		if err != nil {
			if tries < 3 {
				c.Log("tryConnect - sleeping")
				tries++
				c.sleep(100 * time.Millisecond)
			} else {
				c.Log("tryConnect - too many times, exiting")
				return nil, err
			}
		} else {
			return port, nil
		}
	}
}

// releasePort closes the session's transport, best-effort. A failing
// close is logged and swallowed so it never masks the original error.
func (c *Core) releasePort(s *session) {
	if s.port == nil {
		return
	}
	c.Log(fmt.Sprintf("session %s - releasing port %s", s.id, s.path))
	if err := s.port.Close(); err != nil {
		c.Log(fmt.Sprintf("error on releasing port: %s", err))
	}
	s.port = nil
}

func (c *Core) setState(s *session, st State) {
	c.sessionsMutex.Lock()
	s.state = st
	c.sessionsMutex.Unlock()
	c.emit(s, Event{Type: "state", State: st.String()})
}

// terminate moves the session to its terminal state, releases the
// transport and tells the subscribers. Safe to call exactly once per
// session.
func (c *Core) terminate(s *session, outcome Outcome, cause error) {
	c.sessionsMutex.Lock()
	s.outcome = outcome
	switch outcome {
	case OutcomeSuccess:
		s.state = StateSuccess
	case OutcomeCancelled:
		s.state = StateCancelled
	case OutcomeUnsupportedBoard, OutcomeUnknownDevice:
		s.state = StateUnsupported
	default:
		s.state = StateFatal
	}
	c.sessionsMutex.Unlock()

	if cause != nil {
		c.Log(fmt.Sprintf("session %s terminal %s: %s", s.id, outcome, cause))
	} else {
		c.Log(fmt.Sprintf("session %s terminal %s", s.id, outcome))
	}

	c.releasePort(s)

	ev := Event{Type: "outcome", Outcome: outcome.String()}
	if cause != nil {
		ev.Text = cause.Error()
	}
	c.emit(s, ev)
	s.subsMutex.Lock()
	if len(s.subs) > 0 {
		s.delivered = true
	}
	s.subsMutex.Unlock()
	c.closeSubs(s)
}

func (c *Core) emit(s *session, ev Event) {
	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()
	if s.subsClosed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than stall the session
		}
	}
}

func (c *Core) emitStatus(s *session, text string) {
	c.Log(fmt.Sprintf("session %s - %s", s.id, text))
	c.emit(s, Event{Type: "status", Text: text})
}

func (c *Core) emitProgress(s *session, fraction float64) {
	f := fraction
	c.emit(s, Event{Type: "progress", Progress: &f})
}

func (c *Core) closeSubs(s *session) {
	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()
	if s.subsClosed {
		return
	}
	s.subsClosed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (c *Core) findSession(id string) *session {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.sessions[id]
}

// Subscribe attaches an event listener to a session. A listener on an
// already finished session gets the outcome replayed and the channel
// closed right away.
func (c *Core) Subscribe(id string) (<-chan Event, func(), error) {
	s := c.findSession(id)
	if s == nil {
		return nil, nil, ErrSessionNotFound
	}

	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()

	if s.subsClosed {
		ch := make(chan Event, 1)
		ch <- Event{Type: "outcome", Outcome: s.outcome.String()}
		close(ch)
		s.delivered = true
		return ch, func() {}, nil
	}

	ch := make(chan Event, 16)
	s.subs = append(s.subs, ch)
	cancel := func() {
		s.subsMutex.Lock()
		defer s.subsMutex.Unlock()
		if s.subsClosed {
			return
		}
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// SessionStatus is what the status page shows per session.
type SessionStatus struct {
	ID      string
	Path    string
	Family  string
	State   string
	Outcome string
}

func (c *Core) Sessions() []SessionStatus {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	res := make([]SessionStatus, 0, len(c.sessions))
	for _, s := range c.sessions {
		res = append(res, SessionStatus{
			ID:      s.id,
			Path:    s.path,
			Family:  s.family.String(),
			State:   s.state.String(),
			Outcome: s.outcome.String(),
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Cancel ends a session at one of the cooperative checkpoints. A flash
// attempt in progress cannot be interrupted; Cancel then reports
// ErrOtherCall and the caller retries after the attempt ends.
func (c *Core) Cancel(id string) error {
	c.Log("cancel - start")
	s := c.findSession(id)
	if s == nil {
		return ErrSessionNotFound
	}
	if !atomic.CompareAndSwapInt32(&s.call, 0, 1) {
		return ErrOtherCall
	}
	defer atomic.StoreInt32(&s.call, 0)

	if s.terminal() {
		return nil
	}
	c.terminate(s, OutcomeCancelled, nil)
	return nil
}
