package gammascout

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// V2 devices send the log as one contiguous hex stream. Every 32 data bytes
// are followed by a checksum byte, the low byte of their sum.
const (
	v2BlockSize = 32

	v2Command  = 0xf5
	v2Date     = 0xef
	v2Gap      = 0xee
	v2Overflow = 0xfa

	v2PCModeOn    = "PC-Mode gestartet\r\n"
	v2PCModeOff   = "PC-Mode beendet\r\n"
	v2Banner      = "GAMMA-SCOUT Protokoll\r\n"
	v2ClockSet    = "Datum und Zeit gestellt\r\n"
	v2LogCleared  = "Protokollspeicher wieder frei\r\n"
	v2ClockLayout = "020106150405"
)

// v2Intervals maps the f5-prefixed interval commands to seconds.
var v2Intervals = map[byte]int64{
	0x0c: 10,
	0x0b: 30,
	0x0a: 60,
	0x09: 2 * 60,
	0x08: 5 * 60,
	0x07: 10 * 60,
	0x06: 30 * 60,
	0x05: 60 * 60,
	0x04: 2 * 60 * 60,
	0x03: 12 * 60 * 60,
	0x02: 24 * 60 * 60,
	0x01: 3 * 24 * 60 * 60,
	0x00: 7 * 24 * 60 * 60,
}

// BlockChecksum is the checksum byte the device appends to a data block.
func BlockChecksum(block []byte) byte {
	sum := 0
	for _, b := range block {
		sum += int(b)
	}
	return byte(sum % 256)
}

type v2Decoder struct {
	buf      tokenBuffer
	carry    string
	blockLen int
	blockSum int
}

func newV2Decoder(bytesUsed int) *v2Decoder {
	return &v2Decoder{buf: tokenBuffer{limit: bytesUsed}}
}

func (d *v2Decoder) feed(line string) error {
	d.carry += strings.TrimRight(line, "\r\n")
	x := 0
	for ; x+2 <= len(d.carry); x += 2 {
		if d.buf.full() {
			d.carry = ""
			return nil
		}
		t, err := parseToken(d.carry[x : x+2])
		if err != nil {
			log.Warn().Str("component", "gammascout").Err(err).Msg("skipping token")
			continue
		}
		if err := d.put(t); err != nil {
			return err
		}
	}
	d.carry = d.carry[x:]
	return nil
}

// put routes one token either into the data buffer or, at a block
// boundary, into checksum verification. Checksum bytes do not count
// against the announced log size.
func (d *v2Decoder) put(t byte) error {
	if d.blockLen > 0 && d.blockLen%v2BlockSize == 0 {
		if want := byte(d.blockSum % 256); want != t {
			return fmt.Errorf("%w: computed %02x, device sent %02x", ErrChecksum, want, t)
		}
		d.blockLen, d.blockSum = 0, 0
		return nil
	}
	d.blockSum += int(t)
	d.blockLen++
	d.buf.put(t)
	return nil
}

func (d *v2Decoder) complete() bool { return d.buf.full() }

func (d *v2Decoder) next() (event, bool) {
	first, ok := d.buf.peek(0)
	if !ok {
		return event{}, false
	}
	switch first {
	case v2Command:
		cmd, ok := d.buf.peek(1)
		if !ok {
			return event{}, false
		}
		switch cmd {
		case v2Date:
			if d.buf.avail() < 7 {
				return event{}, false
			}
			t := d.buf.take(7)
			return event{kind: evDate, at: logDate(t[2:])}, true
		case v2Gap:
			if d.buf.avail() < 6 {
				return event{}, false
			}
			t := d.buf.take(6)
			tens := littleEndian(t[2], t[3])
			return event{kind: evGap, seconds: tens * 10, count: DecodeCount(t[4], t[5])}, true
		}
		t := d.buf.take(2)
		if seconds, ok := v2Intervals[cmd]; ok {
			return event{kind: evInterval, seconds: seconds}, true
		}
		return event{kind: evUnknown, code: t}, true
	case v2Overflow:
		d.buf.take(1)
		return event{kind: evOverflow}, true
	default:
		if d.buf.avail() < 2 {
			return event{}, false
		}
		t := d.buf.take(2)
		return event{kind: evCount, count: DecodeCount(t[0], t[1])}, true
	}
}

// programMode switches PC mode on or off. The device only accepts data
// transfer commands while it is on.
func (s *Session) programMode(on bool) error {
	cmd, confirm := "X", v2PCModeOff
	if on {
		cmd, confirm = "P", v2PCModeOn
	}
	if err := s.link.write(cmd); err != nil {
		return err
	}
	s.link.await("\r\n")
	s.link.await(confirm)
	return nil
}

// inProgramMode runs fn between P and X. X is sent even when fn fails so
// the device is left idle.
func (s *Session) inProgramMode(fn func() error) (err error) {
	if err := s.programMode(true); err != nil {
		return err
	}
	defer func() {
		if xerr := s.programMode(false); xerr != nil && err == nil {
			err = xerr
		}
	}()
	return fn()
}

func (s *Session) getLogV2() ([]Reading, error) {
	var readings []Reading
	err := s.inProgramMode(func() error {
		if err := s.queryInfo(); err != nil {
			return err
		}
		info := s.Info()
		s.link.queue.clear()
		if err := s.link.write("b"); err != nil {
			return err
		}
		s.link.await("\r\n")
		s.link.await(v2Banner)
		var err error
		readings, err = s.streamLog(newV2Decoder(info.BytesUsed))
		return err
	})
	return readings, err
}

func (s *Session) setClockV2(t time.Time) error {
	return s.inProgramMode(func() error {
		if err := s.link.writePaced("t"+t.UTC().Format(v2ClockLayout), s.cfg.CharDelay, false); err != nil {
			return err
		}
		s.link.await("\r\n")
		s.link.await(v2ClockSet)
		return s.queryInfo()
	})
}

func (s *Session) clearLogV2() error {
	return s.inProgramMode(func() error {
		if err := s.link.write("z"); err != nil {
			return err
		}
		s.link.await("\r\n")
		s.link.await(v2LogCleared)
		log.Info().Str("component", "gammascout").Msg("log memory erased")
		return s.queryInfo()
	})
}
