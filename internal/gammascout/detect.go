package gammascout

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	probeResponseSize = 10
	probeReadTimeout  = 100 * time.Millisecond
	drainTimeout      = 500 * time.Millisecond
)

// Detector works out which generation is on a port by probing it at each
// generation's line speed.
type Detector struct {
	Opener       Opener
	ProbeTimeout time.Duration
}

// Detect probes path with the version query at 2400 baud, then at 9600.
// It returns ErrNoDevice when neither probe gets a recognised greeting.
func Detect(opener Opener, path string) (ProtocolVersion, error) {
	return Detector{Opener: opener}.Detect(path)
}

func (d Detector) Detect(path string) (ProtocolVersion, error) {
	if d.Opener == nil {
		d.Opener = OpenSerial
	}
	if d.ProbeTimeout <= 0 {
		d.ProbeTimeout = defaultProbeTimeout
	}

	greeting, err := d.probe(path, V1.BaudRate())
	if err != nil {
		return Unknown, err
	}
	if strings.HasPrefix(greeting, "\r\n Vers") {
		log.Info().Str("component", "gammascout").Str("port", path).Msg("detected v1 device")
		return V1, nil
	}

	greeting, err = d.probe(path, V2.BaudRate())
	if err != nil {
		return Unknown, err
	}
	if strings.HasPrefix(greeting, "\r\nVers") || strings.HasPrefix(greeting, "\r\nStand") {
		log.Info().Str("component", "gammascout").Str("port", path).Msg("detected v2 device")
		return V2, nil
	}

	log.Warn().Str("component", "gammascout").Str("port", path).Str("greeting", greeting).Msg("no device recognised")
	return Unknown, ErrNoDevice
}

// probe opens the port at baud, sends the version query and returns up to
// ten bytes of the answer. The port is always drained and closed.
func (d Detector) probe(path string, baud int) (string, error) {
	port, err := d.Opener(path, modeFor(baud))
	if err != nil {
		return "", err
	}
	defer port.Close()

	log.Debug().Str("component", "gammascout").Str("port", path).Int("baud", baud).Msg("probing")
	if err := port.SetReadTimeout(probeReadTimeout); err != nil {
		return "", err
	}
	if _, err := port.Write([]byte("v")); err != nil {
		drain(port, "probe")
		return "", nil
	}
	buf := make([]byte, probeResponseSize)
	got := readUpTo(port, buf, d.ProbeTimeout)
	drain(port, "probe")
	return string(buf[:got]), nil
}

// readUpTo fills buf until it is full, the port fails or timeout passes,
// and returns how many bytes arrived.
func readUpTo(port Port, buf []byte, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) && time.Now().Before(deadline) {
		n, err := port.Read(buf[got:])
		got += n
		if err != nil {
			break
		}
	}
	return got
}

// drain discards whatever the device is still sending.
func drain(port Port, label string) {
	port.ResetInputBuffer()
	buf := make([]byte, readChunk)
	total := 0
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if n == 0 || err != nil {
			break
		}
		total += n
	}
	if total > 0 {
		log.Debug().Str("component", "gammascout").Str("drain", label).Int("bytes", total).Msg("discarded input")
	}
}
