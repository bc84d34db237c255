// Package recorder writes the shared capture stream to rolling WAV files.
//
// A [Recorder] is a bus consumer in the recording category. Frames are
// copied off the delivery worker into a bounded queue and a single writer
// goroutine cuts them into files of SegmentLength each. A file is written
// under a temporary name and renamed once complete, so readers never see a
// partial WAV.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
)

// ErrClosed is returned by operations on a closed recorder.
var ErrClosed = errors.New("recorder: closed")

// Config configures a [Recorder].
type Config struct {
	// Dir receives the WAV files. It is created when missing.
	Dir string `yaml:"dir"`

	// SegmentLength is the audio length of one file.
	SegmentLength time.Duration `yaml:"segment_length"`

	// SampleRate is the rate the recorder asks the bus for.
	SampleRate int `yaml:"sample_rate"`

	// Queue bounds the frames waiting for the writer. Frames beyond it are
	// dropped and counted.
	Queue int `yaml:"queue"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.SegmentLength == 0 {
		c.SegmentLength = 5 * time.Minute
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Queue == 0 {
		c.Queue = 256
	}
	return c
}

// Validate reports missing or out-of-range fields.
func (c Config) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if c.SegmentLength < time.Second/10 {
		errs = append(errs, fmt.Errorf("segment_length must be >= 100ms, got %v", c.SegmentLength))
	}
	if c.SampleRate <= 0 || c.Queue <= 0 {
		errs = append(errs, errors.New("sample_rate and queue must be > 0"))
	}
	return errors.Join(errs...)
}

// Recorder is a bus consumer that persists what the microphone hears.
type Recorder struct {
	cfg    Config
	prefix string
	limit  int

	mu     sync.RWMutex
	closed bool
	frames chan []float32
	flush  chan struct{}
	done   chan struct{}

	filesMu sync.Mutex
	files   []string
	err     error

	dropped atomic.Uint64
}

// New creates the output directory and starts the writer. File names are
// prefix-0001.wav, prefix-0002.wav and so on.
func New(cfg Config, prefix string) (*Recorder, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", cfg.Dir, err)
	}
	r := &Recorder{
		cfg:    cfg,
		prefix: prefix,
		limit:  audio.DurationSamples(cfg.SegmentLength, cfg.SampleRate),
		frames: make(chan []float32, cfg.Queue),
		flush:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Registration returns the recorder's bus registration.
func (r *Recorder) Registration(id string, priority int) bus.Registration {
	return bus.Registration{
		ID:       id,
		Name:     "recorder " + r.prefix,
		Category: bus.CategoryRecording,
		Priority: priority,
		Active:   true,
		Format:   audio.Format{SampleRate: r.cfg.SampleRate},
		Handler:  r.Handler(),
	}
}

// Handler returns the bus consumer. A bus error flushes the current file.
func (r *Recorder) Handler() bus.Handler {
	return bus.HandlerFuncs{
		Frame: r.onFrame,
		Error: func(msg string) {
			slog.Warn("recorder: bus error, flushing segment", "prefix", r.prefix, "err", msg)
			r.Flush()
		},
	}
}

func (r *Recorder) onFrame(samples []float32, _ int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.frames <- append([]float32(nil), samples...):
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("recorder: writer behind, dropping frames", "prefix", r.prefix)
		}
	}
}

// Flush asks the writer to close the current file early.
func (r *Recorder) Flush() {
	select {
	case r.flush <- struct{}{}:
	default:
	}
}

// Files returns the completed files in order.
func (r *Recorder) Files() []string {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	return append([]string(nil), r.files...)
}

// Dropped returns the number of frames lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close writes the remaining audio and stops the writer. It returns the
// first write error, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.frames)
	r.mu.Unlock()

	<-r.done
	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	return r.err
}

func (r *Recorder) run() {
	defer close(r.done)
	buf := make([]float32, 0, r.limit)
	for {
		select {
		case f, ok := <-r.frames:
			if !ok {
				r.write(buf)
				return
			}
			buf = r.add(buf, f)
		case <-r.flush:
			// Frames queued before the flush belong to this file.
		drain:
			for {
				select {
				case f, ok := <-r.frames:
					if !ok {
						break drain
					}
					buf = r.add(buf, f)
				default:
					break drain
				}
			}
			r.write(buf)
			buf = buf[:0]
		}
	}
}

// add appends f to buf and writes out every full segment.
func (r *Recorder) add(buf, f []float32) []float32 {
	for len(f) > 0 {
		n := min(len(f), r.limit-len(buf))
		buf = append(buf, f[:n]...)
		f = f[n:]
		if len(buf) == r.limit {
			r.write(buf)
			buf = buf[:0]
		}
	}
	return buf
}

func (r *Recorder) write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.filesMu.Lock()
	seq := len(r.files) + 1
	r.filesMu.Unlock()

	path := filepath.Join(r.cfg.Dir, fmt.Sprintf("%s-%04d.wav", r.prefix, seq))
	err := writeFile(path, samples, r.cfg.SampleRate)

	r.filesMu.Lock()
	defer r.filesMu.Unlock()
	if err != nil {
		slog.Error("recorder: write segment", "path", path, "err", err)
		if r.err == nil {
			r.err = err
		}
		return
	}
	r.files = append(r.files, path)
	slog.Debug("recorder: segment written", "path", path, "samples", len(samples))
}

func writeFile(path string, samples []float32, rate int) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	if err := codec.WriteWAV(w, samples, rate); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("recorder: write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("recorder: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("recorder: rename %s: %w", tmp, err)
	}
	return nil
}
