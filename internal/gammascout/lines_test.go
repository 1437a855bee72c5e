package gammascout

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// chunkPort replays canned reads and records writes.
type chunkPort struct {
	mu      sync.Mutex
	chunks  []string
	written bytes.Buffer
	closed  bool
	// fail makes reads error once the chunks run out.
	fail bool
}

func (p *chunkPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if len(p.chunks) > 0 {
		n := copy(buf, p.chunks[0])
		p.chunks = p.chunks[1:]
		p.mu.Unlock()
		return n, nil
	}
	fail := p.fail
	p.mu.Unlock()
	if fail {
		return 0, errors.New("device unplugged")
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *chunkPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *chunkPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *chunkPort) ResetInputBuffer() error              { return nil }
func (p *chunkPort) SetReadTimeout(t time.Duration) error { return nil }

func (p *chunkPort) writes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func startLink(t *testing.T, port Port) *link {
	t.Helper()
	l := newLink(port, 2*time.Millisecond, 100*time.Millisecond)
	if err := l.start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.close() })
	return l
}

func TestLineQueueOrder(t *testing.T) {
	var q lineQueue
	q.push("a\n")
	q.push("b\n")
	q.push("c\n")
	if q.len() != 3 {
		t.Fatalf("len = %d", q.len())
	}
	for _, want := range []string{"a\n", "b\n", "c\n"} {
		got, ok := q.pop()
		if !ok || got != want {
			t.Fatalf("pop = %q, %v, want %q", got, ok, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue succeeded")
	}
	q.push("d\n")
	q.clear()
	if q.len() != 0 {
		t.Fatal("clear left lines behind")
	}
}

func TestAccumulatorSplitsLines(t *testing.T) {
	port := &chunkPort{chunks: []string{"\r\nVer", "sion 6.10\r\nGAMMA", "-SCOUT\r\n", "tail"}}
	l := startLink(t, port)

	want := []string{"\r\n", "Version 6.10\r\n", "GAMMA-SCOUT\r\n"}
	for _, w := range want {
		if err := l.waitForAny(time.Second); err != nil {
			t.Fatal(err)
		}
		got, _ := l.pop()
		if got != w {
			t.Fatalf("line = %q, want %q", got, w)
		}
	}
	// an unterminated tail stays pending
	if err := l.waitForAny(30 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("waitForAny = %v, want ErrTimeout", err)
	}
}

func TestAccumulatorStopsOnReadError(t *testing.T) {
	port := &chunkPort{chunks: []string{"last\r\n"}, fail: true}
	l := startLink(t, port)

	select {
	case <-l.acc.done:
	case <-time.After(time.Second):
		t.Fatal("accumulator still running")
	}
	if l.alive() {
		t.Error("link reports alive")
	}
	if l.acc.failure() == nil {
		t.Error("no failure recorded")
	}
	if got, ok := l.pop(); !ok || got != "last\r\n" {
		t.Errorf("line read before the failure lost: %q", got)
	}
}

func TestWaitForLine(t *testing.T) {
	port := &chunkPort{chunks: []string{"\r\nnoise\r\nPC-Mode gestartet\r\nafter\r\n"}}
	l := startLink(t, port)

	if err := l.waitForLine("PC-Mode gestartet\r\n", time.Second); err != nil {
		t.Fatal(err)
	}
	// lines after the match are left queued
	if err := l.waitForAny(time.Second); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.pop(); got != "after\r\n" {
		t.Errorf("next line = %q", got)
	}
	start := time.Now()
	err := l.waitForLine("never\r\n", 40*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("returned before the timeout")
	}
}

func TestWaitForMatch(t *testing.T) {
	port := &chunkPort{chunks: []string{"07e0: 00 00\r\n07f0: 00 00\r\n"}}
	l := startLink(t, port)

	line, err := l.waitForMatch("07f0", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if line != "07f0: 00 00\r\n" {
		t.Errorf("line = %q", line)
	}
	if _, err := l.waitForMatch("07f0", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestWritePaced(t *testing.T) {
	port := &chunkPort{}
	l := startLink(t, port)

	delay := 5 * time.Millisecond
	start := time.Now()
	if err := l.writePaced("u1234", delay, true); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 5*delay {
		t.Errorf("leading pacing took %v, want at least %v", elapsed, 5*delay)
	}
	start = time.Now()
	if err := l.writePaced("t12", delay, false); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Errorf("pacing took %v, want at least %v", elapsed, 2*delay)
	}
	if got := port.writes(); got != "u1234t12" {
		t.Errorf("wrote %q", got)
	}
}

func TestAccumulatorSplitsLongLines(t *testing.T) {
	port := &chunkPort{}
	for i := 0; i < 20; i++ {
		port.chunks = append(port.chunks, strings.Repeat("a", readChunk))
	}
	port.chunks = append(port.chunks, "tail\r\n")
	l := startLink(t, port)

	eventually(t, "both lines", func() bool { return l.queue.len() == 2 })
	first, _ := l.pop()
	if len(first) != maxLineLen || strings.Contains(first, "\n") {
		t.Errorf("first line has %d bytes", len(first))
	}
	second, _ := l.pop()
	if want := 20*readChunk - maxLineLen + len("tail\r\n"); len(second) != want || !strings.HasSuffix(second, "tail\r\n") {
		t.Errorf("second line has %d bytes, want %d", len(second), want)
	}
}
