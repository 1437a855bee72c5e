package gammascout

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout        = 2000 * time.Millisecond
	defaultPollInterval   = 50 * time.Millisecond
	defaultCharDelay      = 500 * time.Millisecond
	defaultTrailerTimeout = 60 * time.Second
	defaultTransferIdle   = 10 * time.Second
	defaultProbeTimeout   = 1000 * time.Millisecond

	// logCapacity is the size of the V2 log memory in bytes.
	logCapacity = 65280
)

// Config holds connection settings. Zero durations take the defaults the
// device firmware was tuned against; tests shorten them.
type Config struct {
	PortPath string
	Protocol string // "auto", "v1" or "v2"
	Opener   Opener // nil means OpenSerial

	Timeout        time.Duration // wait for a confirmation line
	PollInterval   time.Duration // granularity of every wait
	CharDelay      time.Duration // pacing for clock commands
	TrailerTimeout time.Duration // V1 end-of-dump wait
	TransferIdle   time.Duration // abort a log transfer after this much silence
	ProbeTimeout   time.Duration // per-probe read window during detection
}

func (c Config) withDefaults() Config {
	if c.Opener == nil {
		c.Opener = OpenSerial
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CharDelay <= 0 {
		c.CharDelay = defaultCharDelay
	}
	if c.TrailerTimeout <= 0 {
		c.TrailerTimeout = defaultTrailerTimeout
	}
	if c.TransferIdle <= 0 {
		c.TransferIdle = defaultTransferIdle
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// Info is what the device reports about itself.
type Info struct {
	Protocol  ProtocolVersion `json:"protocol"`
	Firmware  string          `json:"firmware"`
	Serial    string          `json:"serial,omitempty"`
	BytesUsed int             `json:"bytesUsed"`
	// DeviceClock is the device's time as of SyncedAt. The device has no
	// live clock query, so DeviceTime projects it forward.
	DeviceClock time.Time `json:"deviceClock,omitempty"`
	SyncedAt    time.Time `json:"syncedAt,omitempty"`
}

// DeviceTime estimates the device clock at now.
func (i Info) DeviceTime(now time.Time) (time.Time, bool) {
	if i.DeviceClock.IsZero() {
		return time.Time{}, false
	}
	return i.DeviceClock.Add(now.Sub(i.SyncedAt)), true
}

// MemoryUsed is the used fraction of the log memory, 0 to 1.
func (i Info) MemoryUsed() float64 {
	return float64(i.BytesUsed) / logCapacity
}

// infoLayouts are the date/time forms seen in version responses.
var infoLayouts = []string{"02.01.06 15:04:05", "02.01.2006 15:04:05"}

// parseInfoLine reads "Version <fw> [<serial> <hexBytes> <date> <time>]".
func parseInfoLine(line string, into *Info, now time.Time) bool {
	parts := strings.Fields(line)
	if len(parts) < 2 || parts[0] != "Version" {
		return false
	}
	into.Firmware = parts[1]
	if len(parts) < 6 {
		return true
	}
	if sn, err := strconv.Atoi(parts[2]); err == nil {
		into.Serial = strconv.Itoa(sn)
	} else {
		log.Warn().Str("component", "gammascout").Str("field", parts[2]).Msg("unparseable serial number")
	}
	if n, err := strconv.ParseInt(parts[3], 16, 32); err == nil {
		into.BytesUsed = int(n)
	} else {
		log.Warn().Str("component", "gammascout").Str("field", parts[3]).Msg("unparseable byte count")
	}
	stamp := parts[4] + " " + parts[5]
	for _, layout := range infoLayouts {
		if t, err := time.ParseInLocation(layout, stamp, time.UTC); err == nil {
			into.DeviceClock = t
			into.SyncedAt = now
			return true
		}
	}
	log.Warn().Str("component", "gammascout").Str("field", stamp).Msg("unparseable device time")
	return true
}

// Session is an open connection to one device. Operations must not
// overlap; a mutex enforces that for callers that forget.
type Session struct {
	cfg     Config
	version ProtocolVersion
	link    *link

	opMu      sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once

	infoMu sync.RWMutex
	info   Info

	listenersMu sync.Mutex
	listeners   []Listener
}

// Connect detects the protocol generation (unless cfg forces one), opens
// the port at the matching speed and reads the device info.
func Connect(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	version, err := ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	if version == Unknown {
		d := Detector{Opener: cfg.Opener, ProbeTimeout: cfg.ProbeTimeout}
		if version, err = d.Detect(cfg.PortPath); err != nil {
			return nil, err
		}
	}
	port, err := cfg.Opener(cfg.PortPath, modeFor(version.BaudRate()))
	if err != nil {
		return nil, err
	}
	s, err := Open(port, version, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "gammascout").Str("port", cfg.PortPath).
		Stringer("protocol", version).Int("baud", version.BaudRate()).Msg("connected")
	return s, nil
}

// Open starts a session on an already opened port. The port is closed if
// the initial handshake fails.
func Open(port Port, version ProtocolVersion, cfg Config) (*Session, error) {
	if version != V1 && version != V2 {
		port.Close()
		return nil, ErrNoDevice
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		version: version,
		link:    newLink(port, cfg.PollInterval, cfg.Timeout),
		info:    Info{Protocol: version},
	}
	if err := s.link.start(); err != nil {
		port.Close()
		return nil, err
	}
	s.connected.Store(true)

	var err error
	switch version {
	case V1:
		err = s.queryInfo()
	case V2:
		err = s.inProgramMode(s.queryInfo)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Version() ProtocolVersion { return s.version }

// IsConnected is false after Close or once the port has failed.
func (s *Session) IsConnected() bool {
	return s.connected.Load() && s.link.alive()
}

// Info returns the last device info.
func (s *Session) Info() Info {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

func (s *Session) updateInfo(fn func(*Info)) {
	s.infoMu.Lock()
	fn(&s.info)
	s.infoMu.Unlock()
}

func (s *Session) AddListener(l Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

// RemoveListener unregisters l. Listeners whose type is not comparable,
// such as a ListenerFunc, are never matched.
func (s *Session) RemoveListener(l Listener) {
	if !isComparable(l) {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if isComparable(existing) && existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func isComparable(l Listener) bool {
	t := reflect.TypeOf(l)
	return t != nil && t.Comparable()
}

// announce notifies a snapshot of the listeners, so a listener may add or
// remove listeners without disturbing this pass.
func (s *Session) announce(r Reading) {
	s.listenersMu.Lock()
	snapshot := make([]Listener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenersMu.Unlock()
	for _, l := range snapshot {
		l.ReceiveReading(r)
	}
}

// begin takes the operation lock and checks the session is usable.
func (s *Session) begin() (func(), error) {
	s.opMu.Lock()
	if !s.connected.Load() {
		s.opMu.Unlock()
		return nil, ErrNotConnected
	}
	if !s.link.alive() {
		s.opMu.Unlock()
		return nil, s.transportError()
	}
	return s.opMu.Unlock, nil
}

func (s *Session) transportError() error {
	if err := s.link.acc.failure(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return ErrDisconnected
}

// QueryInfo asks the device for its version line and refreshes Info.
func (s *Session) QueryInfo() (Info, error) {
	done, err := s.begin()
	if err != nil {
		return Info{}, err
	}
	defer done()
	if s.version == V2 {
		err = s.inProgramMode(s.queryInfo)
	} else {
		err = s.queryInfo()
	}
	return s.Info(), err
}

func (s *Session) queryInfo() error {
	if err := s.link.write("v"); err != nil {
		return err
	}
	s.link.await("\r\n")
	if err := s.link.waitForAny(s.cfg.Timeout); err != nil {
		log.Warn().Str("component", "gammascout").Err(err).Msg("no version response")
		return nil
	}
	line, _ := s.link.pop()
	var parsed bool
	s.updateInfo(func(i *Info) {
		parsed = parseInfoLine(strings.TrimSpace(line), i, time.Now())
	})
	if !parsed {
		log.Warn().Str("component", "gammascout").Str("line", line).Msg("unexpected version response")
		return nil
	}
	info := s.Info()
	log.Info().Str("component", "gammascout").Str("firmware", info.Firmware).
		Str("serial", info.Serial).Int("bytesUsed", info.BytesUsed).Msg("device info")
	return nil
}

// GetLog downloads and decodes the whole log. Listeners see every reading
// as it is decoded. On a checksum error the readings decoded so far are
// returned with the error; listeners have already seen them.
func (s *Session) GetLog() ([]Reading, error) {
	done, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	var readings []Reading
	switch s.version {
	case V1:
		readings, err = s.getLogV1()
	case V2:
		readings, err = s.getLogV2()
	}
	if err != nil {
		log.Error().Str("component", "gammascout").Err(err).Int("readings", len(readings)).Msg("log download aborted")
		return readings, err
	}
	log.Info().Str("component", "gammascout").Int("readings", len(readings)).
		Dur("took", time.Since(start)).Msg("log downloaded")
	return readings, nil
}

// SetClock sets the device clock to t (sent as UTC).
func (s *Session) SetClock(t time.Time) error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	log.Info().Str("component", "gammascout").Time("time", t.UTC()).Msg("setting device clock")
	if s.version == V1 {
		return s.setClockV1(t)
	}
	return s.setClockV2(t)
}

// ClearLog erases the device log and refreshes Info.
func (s *Session) ClearLog() error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	defer done()
	if s.version == V1 {
		return s.clearLogV1()
	}
	return s.clearLogV2()
}

// Close stops the line reader and closes the port. It is safe to call more
// than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		err = s.link.close()
	})
	return err
}

// streamLog feeds queued lines through dec until it is complete, turning
// events into readings and announcing each one.
func (s *Session) streamLog(dec tokenDecoder) ([]Reading, error) {
	var (
		state    = newLogState()
		readings []Reading
		lastLine = time.Now()
	)
	if dec.complete() {
		return nil, nil
	}
	for {
		if err := s.link.waitForAny(s.cfg.Timeout); err != nil {
			if !s.link.alive() {
				return readings, s.transportError()
			}
			if time.Since(lastLine) > s.cfg.TransferIdle {
				return readings, fmt.Errorf("%w: no data for %v", ErrStalled, time.Since(lastLine).Round(time.Second))
			}
		}
		for !dec.complete() {
			line, ok := s.link.pop()
			if !ok {
				break
			}
			lastLine = time.Now()
			err := dec.feed(line)
			// tokens accepted before a failed checksum still decode
			readings = s.drainEvents(dec, &state, readings)
			if err != nil {
				return readings, err
			}
		}
		if dec.complete() {
			readings = s.drainEvents(dec, &state, readings)
			return readings, nil
		}
	}
}

// drainEvents applies every complete event buffered in dec, announcing
// the readings they produce.
func (s *Session) drainEvents(dec tokenDecoder, state *logState, readings []Reading) []Reading {
	for {
		ev, ok := dec.next()
		if !ok {
			return readings
		}
		if r, ok := state.apply(ev); ok {
			readings = append(readings, r)
			s.announce(r)
		}
	}
}

// IsTimeout reports whether err is a non-fatal wait timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
