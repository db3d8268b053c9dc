package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/feedbackd/internal/engine"
)

// DefaultBuffer is the number of entries an AsyncWriter queues.
const DefaultBuffer = 1024

var (
	ErrBufferFull   = errors.New("journal buffer full")
	ErrWriterClosed = errors.New("journal writer closed")
)

// AsyncWriter is an engine.Recorder that queues entries for one writer
// goroutine, so the engine loop never waits on SQLite. Entries are written
// in the order they were recorded. When the writer falls a whole buffer
// behind, new entries are dropped with ErrBufferFull.
type AsyncWriter struct {
	store   *Store
	entries chan engine.Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncWriter starts the writer goroutine. Close must be called to stop
// it; the Store stays open and is owned by the caller.
func NewAsyncWriter(store *Store, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &AsyncWriter{
		store:   store,
		entries: make(chan engine.Entry, buffer),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues e without blocking.
func (w *AsyncWriter) Record(_ context.Context, e engine.Entry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.entries <- e:
		return nil
	default:
		return fmt.Errorf("entry %d: %w", e.Seq, ErrBufferFull)
	}
}

// Close stops accepting entries and returns once every queued entry has
// been written.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()
	<-w.done
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for e := range w.entries {
		// Not tied to the engine context: the backlog is flushed during shutdown too.
		if err := w.store.Record(context.Background(), e); err != nil {
			slog.Warn("journal write failed",
				"seq", e.Seq,
				"request_id", e.RequestID,
				"kind", string(e.Kind),
				"error", err,
			)
		}
	}
}
