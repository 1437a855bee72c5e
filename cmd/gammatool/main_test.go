package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/erikjber/opengammatool/internal/export"
)

func runDemo(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	err := run(append([]string{"--demo", "--protocol", "v2", "--config", cfg}, args...), &out)
	return out.String(), err
}

func TestInfoCommand(t *testing.T) {
	out, err := runDemo(t, "info")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"protocol:     v2", "firmware:     6.10", "serial:       123456", "device time:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestDownloadAndConvert(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "log.csv")
	if _, err := runDemo(t, "download", "-o", file); err != nil {
		t.Fatal(err)
	}
	readings, err := export.LoadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	// the demo log holds 400 counts and one gap
	if len(readings) != 401 {
		t.Fatalf("downloaded %d readings", len(readings))
	}

	var out bytes.Buffer
	copyFile := filepath.Join(dir, "copy.csv")
	if err := run([]string{"--config", filepath.Join(dir, "none.yaml"), "convert", file, "-o", copyFile}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "readings:     401") || !strings.Contains(out.String(), "saturated:    1") {
		t.Errorf("summary:\n%s", out.String())
	}
	again, err := export.LoadFile(copyFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(readings) {
		t.Errorf("rewrote %d readings", len(again))
	}
}

func TestDownloadToStdout(t *testing.T) {
	out, err := runDemo(t, "download")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, strings.Join(export.Header, ",")+"\n") {
		t.Errorf("stdout does not start with the CSV header: %.80q", out)
	}
}

func TestSetClockCommand(t *testing.T) {
	out, err := runDemo(t, "set-clock", "--time", "2026-03-04T05:06:07Z")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "device time:  2026-03-04 05:06:") {
		t.Errorf("output:\n%s", out)
	}
	if _, err := runDemo(t, "set-clock", "--time", "noon"); err == nil {
		t.Error("bad --time accepted")
	}
}

func TestClearNeedsConfirmation(t *testing.T) {
	if _, err := runDemo(t, "clear"); err == nil {
		t.Fatal("clear ran without --yes")
	}
	out, err := runDemo(t, "clear", "--yes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "memory used:  0 bytes") {
		t.Errorf("output:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	if _, err := runDemo(t, "frobnicate"); err == nil {
		t.Error("unknown command accepted")
	}
	if _, err := runDemo(t, "convert"); err == nil {
		t.Error("convert without a file accepted")
	}
	var out bytes.Buffer
	if err := run([]string{"--protocol", "v9", "--config", filepath.Join(t.TempDir(), "c.yaml")}, &out); err == nil {
		t.Error("bad protocol accepted")
	}
}

type flakyDevice struct {
	failures  int
	attempts  int
	connected bool
}

func (f *flakyDevice) Name() string      { return "flaky" }
func (f *flakyDevice) IsConnected() bool { return f.connected }
func (f *flakyDevice) Connect() error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("not yet")
	}
	f.connected = true
	return nil
}

func TestConnectWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &flakyDevice{failures: 100}
	if connectWithRetry(ctx, d, 3) {
		t.Fatal("reported connected after cancel")
	}
}

func TestConnectWithRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &flakyDevice{failures: 1}
	if !connectWithRetry(ctx, d, 3) {
		t.Fatal("gave up")
	}
	if d.attempts != 2 {
		t.Errorf("attempts = %d", d.attempts)
	}
}
