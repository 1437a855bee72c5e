package gammascout

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// decodeLines runs dec over lines the way streamLog does, without a port.
func decodeLines(t *testing.T, dec tokenDecoder, lines []string) ([]Reading, error) {
	t.Helper()
	var (
		state    = newLogState()
		readings []Reading
	)
	for _, line := range lines {
		if dec.complete() {
			break
		}
		err := dec.feed(line)
		for {
			ev, ok := dec.next()
			if !ok {
				break
			}
			if r, ok := state.apply(ev); ok {
				readings = append(readings, r)
			}
		}
		if err != nil {
			return readings, err
		}
	}
	return readings, nil
}

// v1Rows renders data as addressed dump rows starting at addr.
func v1Rows(addr int, data []byte) []string {
	var lines []string
	for i := 0; i < len(data); i += 16 {
		end := min(i+16, len(data))
		var sb strings.Builder
		fmt.Fprintf(&sb, "%04x:", addr+i)
		for _, b := range data[i:end] {
			fmt.Fprintf(&sb, " %02x", b)
		}
		sb.WriteString("\r\n")
		lines = append(lines, sb.String())
	}
	return lines
}

func mustBytes(t *testing.T, b *LogBuilder) []byte {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestV1Decoder(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	data := mustBytes(t, NewLogBuilder(V1).
		Date(start).
		Interval(60).
		Count(10).
		Count(1500).
		Gap(120, 5).
		Gap(0, 7).
		Raw(0xf7).
		Count(3))

	// pad past the end so the decoder has to stop on the byte count
	padded := append(append([]byte{}, data...), make([]byte, 20)...)
	dec := newV1Decoder(v1LogStart, v1LogStart+len(data))
	readings, err := decodeLines(t, dec, v1Rows(v1LogStart, padded))
	if err != nil {
		t.Fatal(err)
	}
	if !dec.complete() {
		t.Fatal("decoder not complete")
	}

	want := []Reading{
		{End: start.Add(1 * time.Minute), Interval: 60, Count: 10},
		{End: start.Add(2 * time.Minute), Interval: 60, Count: 1500},
		{End: start.Add(4 * time.Minute), Interval: 120, Count: 5},
		{End: start.Add(5 * time.Minute), Interval: 60, Count: 3},
	}
	if len(readings) != len(want) {
		t.Fatalf("got %d readings, want %d: %+v", len(readings), len(want), readings)
	}
	for i := range want {
		if readings[i] != want[i] {
			t.Errorf("reading %d = %+v, want %+v", i, readings[i], want[i])
		}
	}
}

func TestV1DecoderIntervals(t *testing.T) {
	for code, seconds := range v1Intervals {
		data := []byte{0xfe, 0x00, 0x00, 0x01, 0x01, 0x26, code, 0x00, 0x01}
		dec := newV1Decoder(v1LogStart, v1LogStart+len(data))
		readings, err := decodeLines(t, dec, v1Rows(v1LogStart, data))
		if err != nil {
			t.Fatal(err)
		}
		if len(readings) != 1 || readings[0].Interval != seconds {
			t.Errorf("code %02x: got %+v, want one reading of %ds", code, readings, seconds)
		}
	}
}

func TestV1DecoderSkipsTerminators(t *testing.T) {
	// a trailing space puts the terminator on a token boundary
	line := "0100: fe 00 00 01 01 26 f4 00 02 \r\n"
	dec := newV1Decoder(v1LogStart, v1LogStart+9)
	readings, err := decodeLines(t, dec, []string{line})
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 || readings[0].Count != 2 {
		t.Fatalf("got %+v", readings)
	}
}

func TestV1DecoderBadToken(t *testing.T) {
	line := "0100: fe 00 00 01 01 26 f4 zz 00 02\r\n"
	dec := newV1Decoder(v1LogStart, v1LogStart+9)
	readings, err := decodeLines(t, dec, []string{line})
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 || readings[0].Count != 2 {
		t.Fatalf("got %+v", readings)
	}
}

func TestParseV1Header(t *testing.T) {
	header := make([]byte, 48)
	header[0], header[1], header[2] = 0x56, 0x34, 0x12
	header[0x20], header[0x21] = 0x34, 0x02
	rows := v1Rows(0, header)

	serial, used, err := parseV1Header(rows)
	if err != nil {
		t.Fatal(err)
	}
	if serial != "123456" {
		t.Errorf("serial = %q, want 123456", serial)
	}
	if used != 0x234 {
		t.Errorf("bytes used = %#x, want 0x234", used)
	}
	for _, row := range rows {
		if n := headerBytes(row); n != 16 {
			t.Errorf("headerBytes(%q) = %d, want 16", row, n)
		}
	}

	if _, _, err := parseV1Header(rows[:2]); err == nil {
		t.Error("short header accepted")
	}
	if _, _, err := parseV1Header([]string{"0000: 5", rows[1], rows[2]}); err == nil {
		t.Error("truncated first row accepted")
	}
}

// v2Stream renders data the way a V2 device sends it, with block
// checksums, split into rows of rowBytes.
func v2Stream(data []byte, rowBytes int) []string {
	var stream []byte
	for i := 0; i < len(data); i += v2BlockSize {
		end := min(i+v2BlockSize, len(data))
		stream = append(stream, data[i:end]...)
		if end-i == v2BlockSize {
			stream = append(stream, BlockChecksum(data[i:end]))
		}
	}
	var lines []string
	for i := 0; i < len(stream); i += rowBytes {
		end := min(i+rowBytes, len(stream))
		lines = append(lines, fmt.Sprintf("%x\r\n", stream[i:end]))
	}
	return lines
}

func TestV2DecoderScenario(t *testing.T) {
	tokens := []byte{
		0xf5, 0xef, 0x00, 0x00, 0x01, 0x01, 0x24, // 2024-01-01 00:00
		0xf5, 0x0a, // one minute
		0x00, 0x05,
		0xfa,
		0x00, 0x09,
	}
	line := fmt.Sprintf("%x%02x\r\n", tokens, BlockChecksum(tokens))

	dec := newV2Decoder(len(tokens))
	readings, err := decodeLines(t, dec, []string{line})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.complete() {
		t.Fatal("decoder not complete")
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2: %+v", len(readings), readings)
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, second := readings[0], readings[1]
	if first.Count != 5 || first.Saturated || !first.End.Equal(start.Add(time.Minute)) {
		t.Errorf("first = %+v", first)
	}
	if second.Count != 9 || !second.Saturated {
		t.Errorf("second = %+v", second)
	}
	if d := second.End.Sub(first.End); d != time.Minute {
		t.Errorf("readings %v apart, want 1m", d)
	}
}

func TestV2DecoderAcrossLines(t *testing.T) {
	start := time.Date(2025, 6, 7, 8, 9, 0, 0, time.UTC)
	b := NewLogBuilder(V2).Date(start).Interval(10)
	for i := 0; i < 40; i++ {
		b.Count(int64(i))
	}
	b.Gap(600, 100).Raw(0xf5, 0xf3).Interval(86400).Count(20000)
	data := mustBytes(t, b)

	// odd row width splits tokens across lines
	var lines []string
	for _, l := range v2Stream(data, 16) {
		l = strings.TrimSuffix(l, "\r\n")
		lines = append(lines, l[:5]+"\r\n", l[5:]+"\r\n")
	}

	dec := newV2Decoder(len(data))
	readings, err := decodeLines(t, dec, lines)
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 42 {
		t.Fatalf("got %d readings, want 42", len(readings))
	}
	for i := 0; i < 40; i++ {
		r := readings[i]
		if r.Count != int64(i) || r.Interval != 10 || !r.End.Equal(start.Add(time.Duration(i+1)*10*time.Second)) {
			t.Fatalf("reading %d = %+v", i, r)
		}
	}
	gap := readings[40]
	if gap.Interval != 600 || gap.Count != 100 {
		t.Errorf("gap = %+v", gap)
	}
	last := readings[41]
	hi, lo := EncodeCount(20000)
	if last.Interval != 86400 || last.Count != DecodeCount(hi, lo) {
		t.Errorf("last = %+v", last)
	}
	if !last.End.Equal(gap.End.Add(24 * time.Hour)) {
		t.Errorf("last ends %v, want a day after %v", last.End, gap.End)
	}
}

func TestV2DecoderIntervals(t *testing.T) {
	for code, seconds := range v2Intervals {
		data := []byte{0xf5, 0xef, 0x00, 0x00, 0x01, 0x01, 0x26, 0xf5, code, 0x00, 0x01}
		dec := newV2Decoder(len(data))
		readings, err := decodeLines(t, dec, v2Stream(data, 16))
		if err != nil {
			t.Fatal(err)
		}
		if len(readings) != 1 || readings[0].Interval != seconds {
			t.Errorf("code %02x: got %+v, want one reading of %ds", code, readings, seconds)
		}
	}
}

func TestV2Checksum(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(i)
	}
	lines := v2Stream(data, 64)

	dec := newV2Decoder(len(data))
	if _, err := decodeLines(t, dec, lines); err != nil {
		t.Fatalf("valid stream rejected: %v", err)
	}

	for i := 0; i < v2BlockSize; i++ {
		bad := append([]byte{}, data...)
		bad[i] ^= 0x01
		// keep the checksum of the unmodified block
		stream := append(append([]byte{}, bad[:v2BlockSize]...), BlockChecksum(data[:v2BlockSize]))
		stream = append(stream, bad[v2BlockSize:]...)
		line := fmt.Sprintf("%x\r\n", stream)

		dec := newV2Decoder(len(data))
		_, err := decodeLines(t, dec, []string{line})
		if !errors.Is(err, ErrChecksum) {
			t.Fatalf("flipping byte %d: err = %v, want ErrChecksum", i, err)
		}
	}
}

func TestV2ChecksumNotCounted(t *testing.T) {
	data := make([]byte, 64)
	dec := newV2Decoder(len(data))
	if _, err := decodeLines(t, dec, v2Stream(data, 20)); err != nil {
		t.Fatal(err)
	}
	if dec.buf.consumed != len(data) {
		t.Errorf("consumed %d, want %d", dec.buf.consumed, len(data))
	}
}

func TestLogStateEdgeCases(t *testing.T) {
	s := newLogState()
	if _, ok := s.apply(event{kind: evCount, count: 4}); ok {
		t.Error("count before any interval was emitted")
	}

	// without a date reset the clock starts at the Unix epoch
	s.apply(event{kind: evInterval, seconds: 60})
	r, ok := s.apply(event{kind: evCount, count: 4})
	if want := time.Unix(60, 0).UTC(); !ok || !r.End.Equal(want) {
		t.Errorf("headerless reading ends %v, want %v", r.End, want)
	}

	at := time.Date(2024, 5, 6, 7, 8, 0, 0, time.UTC)
	s.apply(event{kind: evDate, at: at})
	if _, ok := s.apply(event{kind: evGap, seconds: 0, count: 3}); ok {
		t.Error("zero-length gap was emitted")
	}
	if !s.anchor.Equal(at) {
		t.Errorf("anchor moved to %v", s.anchor)
	}

	s.apply(event{kind: evOverflow})
	r, ok = s.apply(event{kind: evGap, seconds: 60, count: 3})
	if !ok || !r.Saturated {
		t.Errorf("gap after overflow = %+v, %v", r, ok)
	}
	s.apply(event{kind: evInterval, seconds: 30})
	r, ok = s.apply(event{kind: evCount, count: 3})
	if !ok || r.Saturated {
		t.Errorf("overflow flag leaked into %+v", r)
	}
	if _, ok := s.apply(event{kind: evUnknown, code: []byte{0xf7}}); ok {
		t.Error("unknown command emitted a reading")
	}
}

func TestLogBuilderRejects(t *testing.T) {
	if _, err := NewLogBuilder(V1).Overflow().Bytes(); err == nil {
		t.Error("V1 overflow accepted")
	}
	if _, err := NewLogBuilder(V1).Interval(10).Bytes(); err == nil {
		t.Error("V1 10s interval accepted")
	}
	if _, err := NewLogBuilder(V2).Date(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)).Bytes(); err == nil {
		t.Error("1999 accepted")
	}
}
