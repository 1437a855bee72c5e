package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/erikjber/opengammatool/internal/gammascout"
	"github.com/rs/zerolog/log"
)

// Recorder is a reading listener that saves every log download to its own
// CSV file as the readings arrive, so a transfer that aborts half way
// still leaves what was decoded on disk.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	AutoSave bool   `yaml:"auto_save" json:"autoSave"`
	Dir      string `yaml:"dir" json:"dir"`
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	return &Recorder{dir: cfg.Dir, enabled: cfg.AutoSave}
}

// SetEnabled allows toggling recording at runtime. Turning it off closes
// the file of a running download.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Begin starts a new file for the download identified by id.
func (r *Recorder) Begin(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("export: mkdir %s: %w", r.dir, err)
	}
	name := fmt.Sprintf("gammascout_%s_%s.csv", time.Now().UTC().Format("2006-01-02_150405"), id)
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	r.file, r.path, r.rows = f, path, 0
	r.writer = csv.NewWriter(f)
	if err := r.writer.Write(Header); err != nil {
		r.closeFile()
		return err
	}
	r.writer.Flush()
	log.Info().Str("component", "export").Str("path", path).Msg("recording download")
	return nil
}

// ReceiveReading appends one row. Readings outside Begin/End are ignored.
func (r *Recorder) ReceiveReading(rd gammascout.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return
	}
	if err := r.writer.Write(row(rd)); err != nil {
		log.Error().Str("component", "export").Err(err).Msg("write failed")
		return
	}
	r.writer.Flush()
	r.rows++
}

// End closes the current file and returns its path, or "" if nothing was
// being recorded.
func (r *Recorder) End() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := r.path
	if r.file != nil {
		log.Info().Str("component", "export").Str("path", path).Int("readings", r.rows).Msg("download recorded")
	}
	r.closeFile()
	return path
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}
