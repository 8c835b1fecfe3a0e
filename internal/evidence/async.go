package evidence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theturtlecsz/code-sub000/internal/logging"
)

// AsyncSink hands records to a background goroutine. Write never blocks: a
// record that does not fit in the buffer is dropped and logged.
type AsyncSink struct {
	next    Sink
	log     *logging.Logger
	timeout time.Duration

	mu      sync.RWMutex // guards closed and sends on records
	records chan Record
	done    chan struct{}
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts the background writer.
func NewAsyncSink(next Sink, buffer int, log *logging.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logging.Nop()
	}
	s := &AsyncSink{
		next:    next,
		log:     log,
		timeout: 10 * time.Second,
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) Write(_ context.Context, r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.records <- r:
	default:
		s.dropped.Add(1)
		s.log.Warn("evidence buffer full, dropping record", "kind", r.Kind, "work_item", r.WorkItem, "run_id", r.RunID)
	}
	return nil
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for r := range s.records {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Write(ctx, r); err != nil {
			s.failed.Add(1)
			s.log.Error("evidence write failed", "kind", r.Kind, "work_item", r.WorkItem, "run_id", r.RunID, "error", err.Error())
		}
		cancel()
	}
}

// Close stops accepting records and waits for buffered ones to be written.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.records)
	}
	s.mu.Unlock()
	<-s.done
}

// Dropped returns how many records were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed returns how many writes the wrapped sink rejected.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }
