package buslog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
)

// Writer appends events to a capture. It is safe for concurrent use and
// serves as both a TrafficTap and a StateSink on the bus.
type Writer struct {
	run     string
	w       io.WriteCloser
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool

	written atomic.Uint64
	failed  atomic.Uint64
}

var (
	_ fvbus.TrafficTap = (*Writer)(nil)
	_ fvbus.StateSink  = (*Writer)(nil)
)

// Open appends to the capture file at path, creating it with mode 0644.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// NewWriter writes events to w. Close closes w.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{
		run:     uuid.NewString(),
		w:       w,
		encoder: NewEncoder(w),
	}
}

// Run returns the id stamped on every event this writer logs.
func (l *Writer) Run() string {
	return l.run
}

// Log appends one event. An event with no Run gets the writer's.
func (l *Writer) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if event.Run == "" {
		event.Run = l.run
	}
	if err := l.encoder.Encode(event); err != nil {
		l.failed.Add(1)
		return err
	}
	l.written.Add(1)
	return nil
}

// Transaction captures a bus transaction. Write errors are counted, not
// returned, so capture never disturbs the bus.
func (l *Writer) Transaction(tx fvbus.Transaction) {
	_ = l.Log(TransactionEvent(tx))
}

// RegisterState captures a published register value.
func (l *Writer) RegisterState(s fvbus.RegisterState) {
	_ = l.Log(StateEvent(s))
}

// Written returns the number of events written.
func (l *Writer) Written() uint64 {
	return l.written.Load()
}

// Failed returns the number of events that could not be written.
func (l *Writer) Failed() uint64 {
	return l.failed.Load()
}

// Close closes the underlying file. Later calls are no-ops.
func (l *Writer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}
