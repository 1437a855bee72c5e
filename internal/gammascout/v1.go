package gammascout

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// V1 devices dump their memory as addressed text lines:
//
//	"AAAA: xx xx xx ... xx\r\n"
//
// The first 0x100 bytes are a header (serial number, end address, settings),
// the log follows, and the dump runs on to the end of memory.
const (
	v1LinePrefix  = 6
	v1TokenStride = 3
	v1LogStart    = 0x100
	v1Trailer     = "07f0"

	v1Banner      = " GAMMA-SCOUT Protokoll \r\n"
	v1TimeSet     = " Zeit gestellt \r\n"
	v1DateSet     = " Datum gestellt \r\n"
	v1LogCleared  = " Protokollspeicher wieder frei \r\n"
	v1TimeLayout  = "1504"
	v1DateLayout  = "020106"
	v1HeaderLines = 3
)

// v1Intervals maps the single-byte interval commands to seconds.
var v1Intervals = map[byte]int64{
	0xf4: 60,
	0xf3: 10 * 60,
	0xf2: 60 * 60,
	0xf1: 24 * 60 * 60,
	0xf0: 7 * 24 * 60 * 60,
}

type v1Decoder struct {
	buf tokenBuffer
}

// newV1Decoder starts counting at offset, the number of header bytes
// already read.
func newV1Decoder(offset, bytesUsed int) *v1Decoder {
	return &v1Decoder{buf: tokenBuffer{consumed: offset, limit: bytesUsed}}
}

func (d *v1Decoder) feed(line string) error {
	for x := v1LinePrefix; x+2 <= len(line); x += v1TokenStride {
		pair := line[x : x+2]
		if pair == "\r\n" {
			continue
		}
		if d.buf.full() {
			return nil
		}
		t, err := parseToken(pair)
		if err != nil {
			log.Warn().Str("component", "gammascout").Err(err).Str("line", line).Msg("skipping token")
			continue
		}
		d.buf.put(t)
	}
	return nil
}

func (d *v1Decoder) complete() bool { return d.buf.full() }

func (d *v1Decoder) next() (event, bool) {
	first, ok := d.buf.peek(0)
	if !ok {
		return event{}, false
	}
	switch {
	case first == 0xfe:
		if d.buf.avail() < 6 {
			return event{}, false
		}
		t := d.buf.take(6)
		return event{kind: evDate, at: logDate(t[1:])}, true
	case first == 0xff:
		if d.buf.avail() < 5 {
			return event{}, false
		}
		t := d.buf.take(5)
		minutes := littleEndian(t[1], t[2])
		return event{kind: evGap, seconds: minutes * 60, count: DecodeCount(t[3], t[4])}, true
	case v1Intervals[first] > 0:
		d.buf.take(1)
		return event{kind: evInterval, seconds: v1Intervals[first]}, true
	case first&0xf0 == 0xf0:
		return event{kind: evUnknown, code: d.buf.take(1)}, true
	default:
		if d.buf.avail() < 2 {
			return event{}, false
		}
		t := d.buf.take(2)
		return event{kind: evCount, count: DecodeCount(t[0], t[1])}, true
	}
}

// headerBytes is how many data bytes an addressed line carries.
func headerBytes(line string) int {
	n := (len(line) - 7) / 3
	if n < 0 {
		return 0
	}
	return n
}

// nextHeaderLine pops one dump line, waiting for it if needed.
func (s *Session) nextHeaderLine() (string, error) {
	if err := s.link.waitForAny(s.cfg.Timeout); err != nil {
		if !s.link.alive() {
			return "", ErrDisconnected
		}
		return "", fmt.Errorf("gammascout: log header: %w", err)
	}
	line, _ := s.link.pop()
	log.Debug().Str("component", "gammascout").Str("line", line).Msg("header")
	return line, nil
}

// parseV1Header reads the serial number from the first header line and
// the log end address from the third.
func parseV1Header(lines []string) (serial string, bytesUsed int, err error) {
	if len(lines) < v1HeaderLines {
		return "", 0, fmt.Errorf("gammascout: short log header")
	}
	first, third := lines[0], lines[2]
	if len(first) < 14 || len(third) < 11 {
		return "", 0, fmt.Errorf("gammascout: malformed log header %q / %q", first, third)
	}
	sn, err := strconv.Atoi(first[12:14] + first[9:11] + first[6:8])
	if err != nil {
		return "", 0, fmt.Errorf("gammascout: serial number in %q: %w", first, err)
	}
	end, err := strconv.ParseInt(third[9:11]+third[6:8], 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("gammascout: end address in %q: %w", third, err)
	}
	return strconv.Itoa(sn), int(end), nil
}

func (s *Session) getLogV1() ([]Reading, error) {
	if err := s.queryInfo(); err != nil {
		return nil, err
	}
	s.link.queue.clear()
	if err := s.link.write("b"); err != nil {
		return nil, err
	}
	s.link.await("\r\n")
	s.link.await(v1Banner)
	s.link.await("\r\n")

	var header []string
	offset := 0
	for len(header) < v1HeaderLines {
		line, err := s.nextHeaderLine()
		if err != nil {
			return nil, err
		}
		header = append(header, line)
		offset += headerBytes(line)
	}
	serial, bytesUsed, err := parseV1Header(header)
	if err != nil {
		return nil, err
	}
	s.updateInfo(func(i *Info) {
		i.Serial = serial
		i.BytesUsed = bytesUsed
	})
	log.Info().Str("component", "gammascout").Str("serial", serial).
		Str("end", fmt.Sprintf("%04x", bytesUsed)).Msg("v1 log header")

	for offset < v1LogStart {
		line, err := s.nextHeaderLine()
		if err != nil {
			return nil, err
		}
		offset += headerBytes(line)
	}

	readings, err := s.streamLog(newV1Decoder(offset, bytesUsed))
	if err != nil {
		return readings, err
	}

	// The dump continues to the end of memory; the device is done once the
	// last address has been sent.
	log.Info().Str("component", "gammascout").Msg("log decoded, waiting for the dump to finish")
	if _, err := s.link.waitForMatch(v1Trailer, s.cfg.TrailerTimeout); err != nil {
		log.Warn().Str("component", "gammascout").Err(err).Msg("dump trailer not seen")
	}
	return readings, nil
}

func (s *Session) setClockV1(t time.Time) error {
	t = t.UTC()
	if err := s.link.writePaced("u"+t.Format(v1TimeLayout), s.cfg.CharDelay, true); err != nil {
		return err
	}
	s.link.await(v1TimeSet)
	if err := s.link.writePaced("d"+t.Format(v1DateLayout), s.cfg.CharDelay, true); err != nil {
		return err
	}
	s.link.await(v1DateSet)
	return s.queryInfo()
}

func (s *Session) clearLogV1() error {
	if err := s.link.write("z"); err != nil {
		return err
	}
	s.link.await("\r\n")
	s.link.await(v1LogCleared)
	log.Info().Str("component", "gammascout").Msg("log memory erased")
	return s.queryInfo()
}
