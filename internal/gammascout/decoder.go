package gammascout

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// eventKind is what a complete group of log tokens means.
type eventKind int

const (
	evDate     eventKind = iota // absolute timestamp, resets the log clock
	evGap                       // explicit elapsed time plus count
	evInterval                  // selects the implicit interval length
	evCount                     // count for one implicit interval
	evOverflow                  // next reading saturated
	evUnknown                   // reserved token we do not understand
)

type event struct {
	kind    eventKind
	at      time.Time // evDate
	seconds int64     // evGap, evInterval
	count   int64     // evGap, evCount
	code    []byte    // evUnknown
}

// tokenDecoder turns queued text lines into log events. The V1 and V2
// generations each have one.
type tokenDecoder interface {
	// feed re-slices one line into tokens. It stops accepting tokens
	// once complete reports true.
	feed(line string) error
	// next pops the next complete event from the buffered tokens.
	next() (event, bool)
	// complete reports whether every byte the device announced has
	// been consumed.
	complete() bool
}

// tokenBuffer holds tokens that have been accepted but not yet grouped
// into events. consumed counts every accepted token against limit.
type tokenBuffer struct {
	pending  []byte
	consumed int
	limit    int
}

func (b *tokenBuffer) put(t byte) {
	b.pending = append(b.pending, t)
	b.consumed++
}

func (b *tokenBuffer) full() bool { return b.consumed >= b.limit }

func (b *tokenBuffer) avail() int { return len(b.pending) }

func (b *tokenBuffer) peek(i int) (byte, bool) {
	if i >= len(b.pending) {
		return 0, false
	}
	return b.pending[i], true
}

func (b *tokenBuffer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, b.pending[:n])
	b.pending = b.pending[n:]
	return out
}

// parseToken reads one two-character hex pair.
func parseToken(pair string) (byte, error) {
	v, err := strconv.ParseUint(pair, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("gammascout: bad token %q", pair)
	}
	return byte(v), nil
}

// bcd reads a byte whose hex digits are the decimal digits, which is how
// the log encodes date fields.
func bcd(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

func toBCD(n int) byte {
	return byte((n/10)%10<<4 | n%10)
}

// logDate decodes the five date-reset tokens: minute, hour, day, month,
// two-digit year.
func logDate(t []byte) time.Time {
	return time.Date(2000+bcd(t[4]), time.Month(bcd(t[3])), bcd(t[2]), bcd(t[1]), bcd(t[0]), 0, 0, time.UTC)
}

// littleEndian joins two tokens, low byte first.
func littleEndian(lo, hi byte) int64 {
	return int64(hi)<<8 | int64(lo)
}

// logState is the running interpretation of the event stream.
type logState struct {
	anchor   time.Time
	interval int64
	overflow bool
}

// newLogState anchors readings that precede any date reset at the Unix
// epoch.
func newLogState() logState {
	return logState{anchor: time.Unix(0, 0).UTC()}
}

// apply advances the state and returns the reading the event produced, if
// any.
func (s *logState) apply(ev event) (Reading, bool) {
	switch ev.kind {
	case evDate:
		s.anchor = ev.at
	case evInterval:
		s.interval = ev.seconds
	case evOverflow:
		s.overflow = true
	case evUnknown:
		log.Warn().Str("component", "gammascout").Hex("code", ev.code).Msg("unknown log command, skipped")
	case evGap:
		s.anchor = s.anchor.Add(time.Duration(ev.seconds) * time.Second)
		if ev.seconds > 0 {
			return s.emit(ev.seconds, ev.count), true
		}
	case evCount:
		if s.interval <= 0 {
			log.Warn().Str("component", "gammascout").Int64("count", ev.count).
				Msg("count before any interval was selected, dropped")
			return Reading{}, false
		}
		s.anchor = s.anchor.Add(time.Duration(s.interval) * time.Second)
		return s.emit(s.interval, ev.count), true
	}
	return Reading{}, false
}

func (s *logState) emit(seconds, count int64) Reading {
	r := Reading{End: s.anchor, Interval: seconds, Count: count, Saturated: s.overflow}
	s.overflow = false
	return r
}
