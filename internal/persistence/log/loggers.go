package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"procarray.ai/internal/sim/controller"
	"procarray.ai/internal/sim/engine"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed segments, one per UTC
// hour: <baseDir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst. Reopening an existing
// segment appends a new zstd frame.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu       sync.Mutex
	seg      *segment
	onClosed func(path string)
}

type segment struct {
	hour string
	path string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// OnSegmentClosed registers fn to be called with the path of every segment
// the writer finishes, on rotation and on Close.
func (w *JSONLZstdWriter) OnSegmentClosed(fn func(path string)) {
	w.mu.Lock()
	w.onClosed = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finishLocked()
}

// Write appends v as one line and flushes it into the zstd stream.
func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if w.seg == nil || w.seg.hour != hour {
		if err := w.finishLocked(); err != nil {
			return err
		}
		seg, err := openSegment(w.PathForHour(hour), hour)
		if err != nil {
			return err
		}
		w.seg = seg
	}
	b = append(b, '\n')
	if _, err := w.seg.buf.Write(b); err != nil {
		return err
	}
	return w.seg.buf.Flush()
}

func (w *JSONLZstdWriter) finishLocked() error {
	if w.seg == nil {
		return nil
	}
	seg := w.seg
	w.seg = nil
	err := seg.close()
	if err == nil && w.onClosed != nil {
		w.onClosed(seg.path)
	}
	return err
}

func (w *JSONLZstdWriter) PathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, path: path, f: f, enc: enc, buf: bufio.NewWriterSize(enc, 64*1024)}, nil
}

func (s *segment) close() error {
	ferr := s.buf.Flush()
	if err := s.enc.Close(); err != nil && ferr == nil {
		ferr = err
	}
	if err := s.f.Close(); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// TickEntry is one line of the tick log: every controller's status after the
// tick ran.
type TickEntry struct {
	RunID       string              `json:"run_id"`
	Tick        uint64              `json:"tick"`
	Controllers []controller.Status `json:"controllers"`
}

// TickLogger writes one JSONL entry per tick (compressed).
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v TickEntry) error          { return l.w.Write(v) }
func (l *TickLogger) OnSegmentClosed(fn func(path string)) { l.w.OnSegmentClosed(fn) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// Transition records a controller changing run state between two ticks.
type Transition struct {
	RunID      string             `json:"run_id"`
	Tick       uint64             `json:"tick"`
	Controller string             `json:"controller"`
	From       engine.RunState    `json:"from"`
	To         engine.RunState    `json:"to"`
	Jam        engine.JamReason   `json:"jam,omitempty"`
	Blocked    engine.BlockReason `json:"blocked,omitempty"`
	Recipe     string             `json:"recipe,omitempty"`
	Multiplier int                `json:"multiplier,omitempty"`
}

// TransitionLogger writes state transitions only, which keeps long idle or
// running stretches out of the file.
type TransitionLogger struct{ w *JSONLZstdWriter }

func NewTransitionLogger(dataDir string) *TransitionLogger {
	return &TransitionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "transitions"), "transitions")}
}

func (l *TransitionLogger) WriteTransition(v Transition) error   { return l.w.Write(v) }
func (l *TransitionLogger) OnSegmentClosed(fn func(path string)) { l.w.OnSegmentClosed(fn) }
func (l *TransitionLogger) Close() error                         { return l.w.Close() }
