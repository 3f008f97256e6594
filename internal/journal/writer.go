// Package journal provides the append-only JSONL persistence layer. One
// Writer owns one stream ("events" or "cot"): a single goroutine drains an
// internal queue to disk so lines are never reordered, rotating files by
// size and rewriting the metrics snapshot after successful flushes.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/metrics"
)

// ErrClosed is returned by Append after Close has been called.
var ErrClosed = errors.New("journal: writer closed")

// DefaultRotateBytes is the rotation threshold when none is configured.
const DefaultRotateBytes = 128 << 20 // 128 MiB

const fileTimeLayout = "20060102-150405"

// Config configures a Writer.
type Config struct {
	// Dir is the data directory; created if missing.
	Dir string
	// Stream names the file prefix, "events" or "cot".
	Stream string
	// RotateBytes rotates the active file once its size crosses this
	// threshold. Defaults to DefaultRotateBytes.
	RotateBytes int64
	// FsyncInterval syncs the active file periodically. Zero disables
	// periodic fsync; durability then means the OS buffer, which is the
	// contract anyway.
	FsyncInterval time.Duration
	// Snapshot, when set, returns the pretty-printed metrics document
	// rewritten (best-effort) after each successful flush.
	Snapshot func() []byte
	// OnError observes internal failures not tied to a single record,
	// such as a rotation that cannot open its new file.
	OnError func(error)
	Logger  *zap.Logger
}

type entry struct {
	line []byte
	done func(error)
}

// Writer appends JSON lines for a single stream.
type Writer struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	queue  []entry
	closed bool
	wake   chan struct{}

	// Owned by the run goroutine.
	file *os.File
	size int64

	activeFile atomic.Value // string
	lastFlush  atomic.Int64 // unix ms

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriter creates the data directory, opens the first file and starts the
// drain goroutine.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Stream == "" {
		return nil, errors.New("journal: stream name is required")
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultRotateBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create data dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("stream", cfg.Stream)),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.activeFile.Store("")
	if err := w.open(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

// Append marshals v, queues it for persistence and returns. done, when
// non-nil, is invoked exactly once from the drain goroutine with the write
// result; a nil error means the line reached the OS buffer. Append itself
// never blocks on I/O.
func (w *Writer) Append(v interface{}, done func(error)) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, entry{line: b, done: done})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// ActiveFile returns the path of the file currently being appended to.
func (w *Writer) ActiveFile() string {
	s, _ := w.activeFile.Load().(string)
	return s
}

// LastFlush returns the time of the last successful flush, zero if none.
func (w *Writer) LastFlush() time.Time {
	ms := w.lastFlush.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Close drains the queue, syncs and closes the active file. It waits for
// the drain goroutine bounded by the given timeout.
func (w *Writer) Close(timeout time.Duration) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("journal: %s writer did not drain within %s", w.cfg.Stream, timeout)
	}
}

func (w *Writer) run() {
	defer close(w.doneCh)

	var fsyncC <-chan time.Time
	if w.cfg.FsyncInterval > 0 {
		t := time.NewTicker(w.cfg.FsyncInterval)
		defer t.Stop()
		fsyncC = t.C
	}

	for {
		select {
		case <-w.wake:
			w.drain()
		case <-fsyncC:
			if w.file != nil {
				if err := w.file.Sync(); err != nil {
					w.logger.Warn("Periodic fsync failed", zap.Error(err))
				}
			}
		case <-w.stopCh:
			w.drain()
			if w.file != nil {
				if err := w.file.Sync(); err != nil {
					w.logger.Warn("Final fsync failed", zap.Error(err))
				}
				if err := w.file.Close(); err != nil {
					w.logger.Warn("Close failed", zap.Error(err))
				}
				w.file = nil
			}
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		start := time.Now()
		wrote := 0
		for _, e := range batch {
			err := w.writeLine(e.line)
			if err != nil {
				w.logger.Error("Journal append failed", zap.Error(err))
				metrics.JournalAppends.WithLabelValues(w.cfg.Stream, "error").Inc()
			} else {
				wrote++
				metrics.JournalAppends.WithLabelValues(w.cfg.Stream, "ok").Inc()
			}
			if e.done != nil {
				e.done(err)
			}
		}
		metrics.JournalWriteDuration.WithLabelValues(w.cfg.Stream).Observe(time.Since(start).Seconds())

		if wrote > 0 {
			w.lastFlush.Store(time.Now().UnixMilli())
			w.writeSnapshot()
		}
	}
}

func (w *Writer) writeLine(line []byte) error {
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return err
	}
	if w.size >= w.cfg.RotateBytes {
		if err := w.rotate(); err != nil {
			// The record itself is durable; rotation failure is an
			// operational fault surfaced through OnError.
			w.logger.Error("Journal rotation failed", zap.Error(err))
			if w.cfg.OnError != nil {
				w.cfg.OnError(err)
			}
		}
	}
	return nil
}

func (w *Writer) open() error {
	return w.openAvoiding("")
}

// openAvoiding opens the next file for the stream. The initial open (avoid
// empty) may append to an existing same-second file; a rotation (avoid set)
// always gets a fresh file so it cannot reopen the one it just closed.
func (w *Writer) openAvoiding(avoid string) error {
	base := fmt.Sprintf("%s-%s", w.cfg.Stream, time.Now().UTC().Format(fileTimeLayout))
	var path string
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		path = filepath.Join(w.cfg.Dir, name+".jsonl")
		if avoid == "" {
			break
		}
		if path != avoid {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				break
			}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("journal: stat %s: %w", path, err)
	}
	w.file = f
	w.size = info.Size()
	w.activeFile.Store(path)
	return nil
}

func (w *Writer) rotate() error {
	prev := w.ActiveFile()
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.logger.Warn("Fsync before rotation failed", zap.Error(err))
		}
		if err := w.file.Close(); err != nil {
			w.logger.Warn("Close before rotation failed", zap.Error(err))
		}
		w.file = nil
		w.size = 0
	}
	metrics.JournalRotations.WithLabelValues(w.cfg.Stream).Inc()
	w.logger.Info("Rotating journal file")
	return w.openAvoiding(prev)
}

// writeSnapshot rewrites metrics.json atomically. Failures are logged and
// otherwise ignored.
func (w *Writer) writeSnapshot() {
	if w.cfg.Snapshot == nil {
		return
	}
	doc := w.cfg.Snapshot()
	if len(doc) == 0 {
		return
	}
	tmp := filepath.Join(w.cfg.Dir, ".metrics.json."+w.cfg.Stream)
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		w.logger.Warn("Metrics snapshot write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, filepath.Join(w.cfg.Dir, "metrics.json")); err != nil {
		w.logger.Warn("Metrics snapshot rename failed", zap.Error(err))
	}
}
