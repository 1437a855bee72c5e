package gammascout

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	v1MemorySize   = 0x800
	v1DumpRowBytes = 16
	v2DumpRowBytes = 16
	v1EndAddress   = 0x20
)

var errPortClosed = errors.New("simulator: port closed")

// LogBuilder composes raw log memory in one generation's encoding.
type LogBuilder struct {
	version ProtocolVersion
	buf     []byte
	err     error
}

func NewLogBuilder(v ProtocolVersion) *LogBuilder {
	return &LogBuilder{version: v}
}

func (b *LogBuilder) fail(format string, args ...any) *LogBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("logbuilder: "+format, args...)
	}
	return b
}

// Date writes an absolute timestamp, truncated to the minute.
func (b *LogBuilder) Date(t time.Time) *LogBuilder {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2099 {
		return b.fail("year %d not representable", t.Year())
	}
	stamp := []byte{
		toBCD(t.Minute()), toBCD(t.Hour()), toBCD(t.Day()),
		toBCD(int(t.Month())), toBCD(t.Year() - 2000),
	}
	if b.version == V1 {
		b.buf = append(b.buf, 0xfe)
	} else {
		b.buf = append(b.buf, v2Command, v2Date)
	}
	b.buf = append(b.buf, stamp...)
	return b
}

// Interval selects the implicit interval length for following counts.
func (b *LogBuilder) Interval(seconds int64) *LogBuilder {
	table := v1Intervals
	if b.version == V2 {
		table = v2Intervals
	}
	for code, s := range table {
		if s != seconds {
			continue
		}
		if b.version == V2 {
			b.buf = append(b.buf, v2Command, code)
		} else {
			b.buf = append(b.buf, code)
		}
		return b
	}
	return b.fail("%s has no %ds interval", b.version, seconds)
}

// Count writes one implicit-interval count.
func (b *LogBuilder) Count(n int64) *LogBuilder {
	hi, lo := EncodeCount(n)
	if b.reserved(hi) {
		return b.fail("count %d encodes to command token %02x", n, hi)
	}
	b.buf = append(b.buf, hi, lo)
	return b
}

// Gap writes an explicit-duration record. V1 stores minutes and V2 tens of
// seconds, so seconds is truncated to that unit.
func (b *LogBuilder) Gap(seconds, count int64) *LogBuilder {
	hi, lo := EncodeCount(count)
	if b.version == V1 {
		units := seconds / 60
		b.buf = append(b.buf, 0xff, byte(units), byte(units>>8), hi, lo)
		return b
	}
	units := seconds / 10
	b.buf = append(b.buf, v2Command, v2Gap, byte(units), byte(units>>8), hi, lo)
	return b
}

// Overflow marks the next reading saturated. V2 only.
func (b *LogBuilder) Overflow() *LogBuilder {
	if b.version != V2 {
		return b.fail("%s has no overflow marker", b.version)
	}
	b.buf = append(b.buf, v2Overflow)
	return b
}

// Raw appends bytes as they are.
func (b *LogBuilder) Raw(p ...byte) *LogBuilder {
	b.buf = append(b.buf, p...)
	return b
}

func (b *LogBuilder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out, nil
}

func (b *LogBuilder) reserved(hi byte) bool {
	if b.version == V1 {
		return hi&0xf0 == 0xf0
	}
	return hi == v2Command || hi == v2Overflow
}

// DemoLog builds a plausible log of n readings ending at end: a slow
// sinusoidal background with noise, one logging gap and, on V2, one
// saturated reading.
func DemoLog(v ProtocolVersion, end time.Time, n int) ([]byte, error) {
	interval := int64(600)
	if v == V2 {
		interval = 300
	}
	gap := int64(3600)
	start := end.Add(-time.Duration(int64(n)*interval+gap) * time.Second).Truncate(time.Minute)

	b := NewLogBuilder(v).Date(start).Interval(interval)
	for i := 0; i < n; i++ {
		if i == n/2 {
			b.Gap(gap, 0)
		}
		if v == V2 && i == n/3 {
			b.Overflow()
		}
		cpm := 22 + 6*math.Sin(float64(i)*0.15) + rand.Float64()*4
		b.Count(int64(cpm * float64(interval) / 60))
	}
	return b.Bytes()
}

// Simulator is an in-memory Gamma-Scout. Its Open method is an Opener, so
// sessions can run against it instead of a serial device.
type Simulator struct {
	version  ProtocolVersion
	Firmware string
	Serial   int

	// CorruptBlock makes the checksum after the given 1-based V2 block
	// wrong. Zero leaves every checksum intact.
	CorruptBlock int
	// DumpLimit stops a log dump after this many log bytes, as if the
	// cable were pulled mid-transfer. Zero sends everything.
	DumpLimit int

	mu        sync.Mutex
	log       []byte
	clock     time.Time
	clockAt   time.Time
	pcMode    bool
	unplugged atomic.Bool
	opens     int
}

func NewSimulator(v ProtocolVersion) *Simulator {
	s := &Simulator{
		version: v,
		Serial:  123456,
		clock:   time.Now().UTC().Truncate(time.Second),
		clockAt: time.Now(),
	}
	if v == V1 {
		s.Firmware = "5.43"
	} else {
		s.Firmware = "6.10"
	}
	return s
}

func (s *Simulator) Version() ProtocolVersion { return s.version }

// SetLog replaces the log memory.
func (s *Simulator) SetLog(p []byte) {
	s.mu.Lock()
	s.log = append([]byte(nil), p...)
	s.mu.Unlock()
}

func (s *Simulator) Log() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.log...)
}

// SetClock sets the simulated device clock.
func (s *Simulator) SetClock(t time.Time) {
	s.mu.Lock()
	s.clock, s.clockAt = t.UTC().Truncate(time.Second), time.Now()
	s.mu.Unlock()
}

// Clock is the simulated device time now.
func (s *Simulator) Clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Simulator) now() time.Time {
	return s.clock.Add(time.Since(s.clockAt)).Truncate(time.Second)
}

func (s *Simulator) PCMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcMode
}

// Opens counts how many times the device has been opened.
func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Unplug makes every open port fail its next read or write.
func (s *Simulator) Unplug() { s.unplugged.Store(true) }

// Replug lets the device be opened again. Sessions whose reader already
// stopped stay down.
func (s *Simulator) Replug() { s.unplugged.Store(false) }

// Open implements Opener. The path is ignored.
func (s *Simulator) Open(path string, mode *serial.Mode) (Port, error) {
	if s.unplugged.Load() {
		return nil, fmt.Errorf("simulator: %s: no such device", path)
	}
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return &simPort{sim: s, baud: mode.BaudRate, timeout: portReadTimeout}, nil
}

// respond handles one complete command and returns what the device sends
// back. Callers hold s.mu.
func (s *Simulator) respond(cmd string) string {
	if s.version == V1 {
		return s.respondV1(cmd)
	}
	return s.respondV2(cmd)
}

func (s *Simulator) respondV1(cmd string) string {
	switch cmd[0] {
	case 'v':
		return "\r\n Version " + s.Firmware + "\r\n"
	case 'b':
		return "\r\n" + v1Banner + "\r\n" + s.dumpV1()
	case 'z':
		s.log = nil
		return "\r\n" + v1LogCleared
	case 'u':
		t, err := time.ParseInLocation(v1TimeLayout, cmd[1:], time.UTC)
		if err != nil {
			return ""
		}
		now := s.now()
		s.clock = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		s.clockAt = time.Now()
		return "\r\n" + v1TimeSet
	case 'd':
		t, err := time.ParseInLocation(v1DateLayout, cmd[1:], time.UTC)
		if err != nil {
			return ""
		}
		now := s.now()
		s.clock = time.Date(t.Year(), t.Month(), t.Day(), now.Hour(), now.Minute(), now.Second(), 0, time.UTC)
		s.clockAt = time.Now()
		return "\r\n" + v1DateSet
	}
	return ""
}

func (s *Simulator) respondV2(cmd string) string {
	switch cmd[0] {
	case 'v':
		now := s.now()
		return fmt.Sprintf("\r\nVersion %s %06d %04x %s\r\n", s.Firmware, s.Serial, len(s.log), now.Format(infoLayouts[0]))
	case 'P':
		s.pcMode = true
		return "\r\n" + v2PCModeOn
	case 'X':
		s.pcMode = false
		return "\r\n" + v2PCModeOff
	}
	if !s.pcMode {
		return ""
	}
	switch cmd[0] {
	case 'b':
		return "\r\n" + v2Banner + s.dumpV2()
	case 'z':
		s.log = nil
		return "\r\n" + v2LogCleared
	case 't':
		t, err := time.ParseInLocation(v2ClockLayout, cmd[1:], time.UTC)
		if err != nil {
			return ""
		}
		s.clock, s.clockAt = t, time.Now()
		return "\r\n" + v2ClockSet
	}
	return ""
}

// commandLength is how many bytes a command starting with c takes.
func (s *Simulator) commandLength(c byte) int {
	switch {
	case s.version == V1 && c == 'u':
		return 1 + len(v1TimeLayout)
	case s.version == V1 && c == 'd':
		return 1 + len(v1DateLayout)
	case s.version == V2 && c == 't':
		return 1 + len(v2ClockLayout)
	}
	return 1
}

func (s *Simulator) dumpLog() []byte {
	if s.DumpLimit > 0 && s.DumpLimit < len(s.log) {
		return s.log[:s.DumpLimit]
	}
	return s.log
}

// dumpV1 renders the whole memory as addressed rows: header, log, then
// padding up to the last row.
func (s *Simulator) dumpV1() string {
	end := v1LogStart + len(s.log)
	size := v1MemorySize
	if end > size {
		size = (end + v1DumpRowBytes - 1) / v1DumpRowBytes * v1DumpRowBytes
	}
	mem := make([]byte, size)
	mem[0] = toBCD(s.Serial % 100)
	mem[1] = toBCD(s.Serial / 100 % 100)
	mem[2] = toBCD(s.Serial / 10000 % 100)
	mem[v1EndAddress] = byte(end)
	mem[v1EndAddress+1] = byte(end >> 8)
	copy(mem[v1LogStart:], s.log)

	rows := size / v1DumpRowBytes
	if s.DumpLimit > 0 {
		rows = (v1LogStart + s.DumpLimit) / v1DumpRowBytes
	}
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		fmt.Fprintf(&sb, "%04x:", r*v1DumpRowBytes)
		for _, b := range mem[r*v1DumpRowBytes : (r+1)*v1DumpRowBytes] {
			fmt.Fprintf(&sb, " %02x", b)
		}
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// dumpV2 renders the log as a hex stream with a checksum after every
// block, broken into fixed-width rows.
func (s *Simulator) dumpV2() string {
	var stream []byte
	data := s.dumpLog()
	for i := 0; i < len(data); i += v2BlockSize {
		end := min(i+v2BlockSize, len(data))
		block := data[i:end]
		stream = append(stream, block...)
		if len(block) == v2BlockSize {
			sum := BlockChecksum(block)
			if i/v2BlockSize+1 == s.CorruptBlock {
				sum++
			}
			stream = append(stream, sum)
		}
	}
	var sb strings.Builder
	for i := 0; i < len(stream); i += v2DumpRowBytes {
		end := min(i+v2DumpRowBytes, len(stream))
		fmt.Fprintf(&sb, "%x\r\n", stream[i:end])
	}
	return sb.String()
}

// simPort is one open handle on a Simulator.
type simPort struct {
	sim     *Simulator
	baud    int
	timeout time.Duration

	mu     sync.Mutex
	out    []byte
	cmd    []byte
	closed bool
}

func (p *simPort) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		p.mu.Lock()
		if p.closed || p.sim.unplugged.Load() {
			p.mu.Unlock()
			return 0, errPortClosed
		}
		if len(p.out) > 0 {
			n := copy(buf, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *simPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.sim.unplugged.Load() {
		return 0, errPortClosed
	}
	// At the wrong line speed the device sees noise and stays quiet.
	if p.baud != p.sim.version.BaudRate() {
		return len(b), nil
	}
	for _, c := range b {
		p.cmd = append(p.cmd, c)
		p.sim.mu.Lock()
		want := p.sim.commandLength(p.cmd[0])
		if len(p.cmd) >= want {
			p.out = append(p.out, p.sim.respond(string(p.cmd))...)
			p.cmd = p.cmd[:0]
		}
		p.sim.mu.Unlock()
	}
	return len(b), nil
}

func (p *simPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPortClosed
	}
	p.closed = true
	return nil
}

func (p *simPort) ResetInputBuffer() error {
	p.mu.Lock()
	p.out = nil
	p.mu.Unlock()
	return nil
}

func (p *simPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}
