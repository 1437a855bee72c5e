package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/rs/zerolog/log"
)

// TimeLayout is how timestamps are written, always in UTC.
const TimeLayout = "2006-01-02 15:04:05"

// Header is the first row of every export.
var Header = []string{"From", "To", "Counts", "Seconds", "CPM", "CPS", "microSievertsPerHour", "saturated"}

// Columns the loader reconstructs a reading from. From and the derived
// rates are ignored on load.
const (
	colTo        = 1
	colCounts    = 2
	colSeconds   = 3
	colSaturated = 7
)

func row(r gammascout.Reading) []string {
	cpm := r.CountsPerMinute()
	return []string{
		r.Start().UTC().Format(TimeLayout),
		r.End.UTC().Format(TimeLayout),
		strconv.FormatInt(r.Count, 10),
		strconv.FormatInt(r.Interval, 10),
		formatDouble(cpm),
		formatDouble(cpm / 60.0),
		formatDouble(r.MicroSievertsPerHour()),
		strconv.FormatBool(r.Saturated),
	}
}

// WriteCSV writes the header and one row per reading.
func WriteCSV(w io.Writer, readings []gammascout.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range readings {
		if err := cw.Write(row(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV loads readings written by WriteCSV. The first row is skipped
// whatever it holds.
func ReadCSV(rd io.Reader) ([]gammascout.Reading, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var readings []gammascout.Reading
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return readings, nil
		}
		if err != nil {
			return readings, fmt.Errorf("export: line %d: %w", line, err)
		}
		if line == 1 {
			continue
		}
		r, err := parseRow(rec)
		if err != nil {
			return readings, fmt.Errorf("export: line %d: %w", line, err)
		}
		readings = append(readings, r)
	}
}

func parseRow(rec []string) (gammascout.Reading, error) {
	if len(rec) <= colSaturated {
		return gammascout.Reading{}, fmt.Errorf("want %d columns, got %d", len(Header), len(rec))
	}
	end, err := time.ParseInLocation(TimeLayout, rec[colTo], time.UTC)
	if err != nil {
		return gammascout.Reading{}, fmt.Errorf("bad To column: %w", err)
	}
	count, err := strconv.ParseInt(rec[colCounts], 10, 64)
	if err != nil {
		return gammascout.Reading{}, fmt.Errorf("bad Counts column: %w", err)
	}
	seconds, err := strconv.ParseInt(rec[colSeconds], 10, 64)
	if err != nil {
		return gammascout.Reading{}, fmt.Errorf("bad Seconds column: %w", err)
	}
	if seconds <= 0 {
		return gammascout.Reading{}, fmt.Errorf("bad Seconds column: %d is not positive", seconds)
	}
	return gammascout.Reading{
		End:       end,
		Interval:  seconds,
		Count:     count,
		Saturated: strings.EqualFold(strings.TrimSpace(rec[colSaturated]), "true"),
	}, nil
}

// SaveFile writes readings to path, replacing any existing file.
func SaveFile(path string, readings []gammascout.Reading) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := WriteCSV(f, readings); err != nil {
		f.Close()
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().Str("component", "export").Str("path", path).Int("readings", len(readings)).Msg("saved")
	return nil
}

func LoadFile(path string) ([]gammascout.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()
	readings, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("export: %s: %w", path, err)
	}
	log.Info().Str("component", "export").Str("path", path).Int("readings", len(readings)).Msg("loaded")
	return readings, nil
}

// formatDouble renders v the way existing exports do: whole numbers keep
// a ".0", very large and very small magnitudes use a mantissa and "E"
// exponent.
func formatDouble(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		return "0.0"
	}
	abs := math.Abs(v)
	if abs >= 1e-3 && abs < 1e7 {
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	s := strconv.FormatFloat(v, 'E', -1, 64)
	mant, exp, _ := strings.Cut(s, "E")
	if !strings.Contains(mant, ".") {
		mant += ".0"
	}
	n, _ := strconv.Atoi(exp)
	return mant + "E" + strconv.Itoa(n)
}
