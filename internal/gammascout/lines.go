package gammascout

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// readChunk is how much the accumulator asks the port for per read.
	readChunk = 256
	// portReadTimeout keeps each port read short so the accumulator's own
	// poll sleep sets the pace.
	portReadTimeout = 10 * time.Millisecond
	// maxLineLen bounds a line; longer runs without "\n" are queued in
	// pieces of this size.
	maxLineLen = 4096
)

// lineQueue is the FIFO shared between the accumulator goroutine and the
// goroutine running commands. Lines keep their "\n" terminator.
type lineQueue struct {
	mu    sync.Mutex
	lines []string
}

func (q *lineQueue) push(line string) {
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()
}

func (q *lineQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.lines) == 0 {
		return "", false
	}
	line := q.lines[0]
	q.lines[0] = ""
	q.lines = q.lines[1:]
	return line, true
}

func (q *lineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

func (q *lineQueue) clear() {
	q.mu.Lock()
	q.lines = nil
	q.mu.Unlock()
}

// accumulator drains the port in the background and splits what it reads
// into lines.
type accumulator struct {
	port    Port
	queue   *lineQueue
	poll    time.Duration
	running atomic.Bool
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newAccumulator(port Port, queue *lineQueue, poll time.Duration) *accumulator {
	return &accumulator{
		port:  port,
		queue: queue,
		poll:  poll,
		done:  make(chan struct{}),
	}
}

func (a *accumulator) start() {
	a.running.Store(true)
	go a.run()
}

func (a *accumulator) run() {
	defer close(a.done)

	buf := make([]byte, readChunk)
	pending := ""
	for a.running.Load() {
		n, err := a.port.Read(buf)
		if err != nil {
			if a.running.Load() {
				log.Warn().Str("component", "gammascout").Err(err).Msg("line reader stopped")
			}
			a.mu.Lock()
			a.err = err
			a.mu.Unlock()
			a.running.Store(false)
			return
		}
		if n == 0 {
			time.Sleep(a.poll)
			continue
		}
		pending += string(buf[:n])
		for {
			i := strings.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := pending[:i+1]
			pending = pending[i+1:]
			log.Debug().Str("component", "gammascout").Str("line", line).Msg("rx")
			a.queue.push(line)
		}
		for len(pending) >= maxLineLen {
			log.Warn().Str("component", "gammascout").Int("bytes", maxLineLen).Msg("unterminated line, queued as is")
			a.queue.push(pending[:maxLineLen])
			pending = pending[maxLineLen:]
		}
	}
}

// stop asks the loop to exit at its next poll. It does not wait.
func (a *accumulator) stop() {
	a.running.Store(false)
}

func (a *accumulator) alive() bool {
	return a.running.Load()
}

func (a *accumulator) failure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// link couples a port with its accumulator and the bounded wait helpers the
// command layer is written against.
type link struct {
	port    Port
	queue   lineQueue
	acc     *accumulator
	poll    time.Duration
	timeout time.Duration
}

func newLink(port Port, poll, timeout time.Duration) *link {
	l := &link{port: port, poll: poll, timeout: timeout}
	l.acc = newAccumulator(port, &l.queue, poll)
	return l
}

func (l *link) start() error {
	if err := l.port.SetReadTimeout(portReadTimeout); err != nil {
		return fmt.Errorf("gammascout: failed to set read timeout: %w", err)
	}
	l.acc.start()
	return nil
}

// close stops the accumulator and closes the port, then gives the loop a
// few polls to notice.
func (l *link) close() error {
	l.acc.stop()
	err := l.port.Close()
	select {
	case <-l.acc.done:
	case <-time.After(4 * l.poll):
	}
	return err
}

func (l *link) alive() bool { return l.acc.alive() }

func (l *link) write(cmd string) error {
	log.Debug().Str("component", "gammascout").Str("cmd", cmd).Msg("tx")
	if _, err := l.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("gammascout: write %q: %w", cmd, err)
	}
	return nil
}

// writePaced sends cmd one byte at a time with delay between bytes. When
// leading is set the delay also precedes the first byte.
func (l *link) writePaced(cmd string, delay time.Duration, leading bool) error {
	for i := 0; i < len(cmd); i++ {
		if leading || i > 0 {
			time.Sleep(delay)
		}
		if _, err := l.port.Write([]byte{cmd[i]}); err != nil {
			return fmt.Errorf("gammascout: write %q (byte %d): %w", cmd, i, err)
		}
	}
	log.Debug().Str("component", "gammascout").Str("cmd", cmd).Dur("pacing", delay).Msg("tx paced")
	return nil
}

func (l *link) pop() (string, bool) { return l.queue.pop() }

// waitForLine discards queued lines until one equals expected.
func (l *link) waitForLine(expected string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for {
			line, ok := l.queue.pop()
			if !ok {
				break
			}
			if line == expected {
				return nil
			}
		}
		time.Sleep(l.poll)
	}
	return fmt.Errorf("%w waiting for %q", ErrTimeout, expected)
}

// waitForMatch discards queued lines until one contains substr and
// returns that line.
func (l *link) waitForMatch(substr string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for {
			line, ok := l.queue.pop()
			if !ok {
				break
			}
			if strings.Contains(line, substr) {
				return line, nil
			}
		}
		time.Sleep(l.poll)
	}
	return "", fmt.Errorf("%w waiting for a line containing %q", ErrTimeout, substr)
}

// waitForAny blocks until at least one line is queued.
func (l *link) waitForAny(timeout time.Duration) error {
	start := time.Now()
	for l.queue.len() == 0 {
		time.Sleep(l.poll)
		if time.Since(start) > timeout {
			return fmt.Errorf("%w waiting for data", ErrTimeout)
		}
	}
	return nil
}

// await is waitForLine for callers that only log a timeout.
func (l *link) await(expected string) {
	if err := l.waitForLine(expected, l.timeout); err != nil {
		log.Warn().Str("component", "gammascout").Err(err).Msg("no confirmation, continuing")
	}
}
