// Package telemetry implements the logging sink: a zerolog.Hook capturing
// records into a ring buffer, deduplicating repeats, and forwarding to a
// single-writer session file — breaking the bridge<->sink<->bridge
// broadcast loop with a hard filter list.
package telemetry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cantinaos/cantinaos/internal/bus"
	"github.com/cantinaos/cantinaos/internal/schemas"
)

// FilteredPrefixes are logger name prefixes the sink must never capture,
// because capturing them would be broadcast by the bridge and generate
// more transport logs (rationale).
var FilteredPrefixes = []string{
	"websocket",
	"webbridge",
	"http",
}

// entry is one captured log record.
type entry struct {
	logger    string
	level     string
	message   string
	timestamp time.Time
	repeat    int
}

// Sink is the ring buffer / dedup / file-writer machinery behind the
// logging hook. Construct with New, install the returned Hook on the
// global logger, and register the Sink itself as a BaseService Runner so
// the supervisor drains and closes the session file on shutdown.
type Sink struct {
	mu          sync.Mutex
	ring        []entry
	ringSize    int
	head        int
	count       int
	last        *entry
	dedupWindow time.Duration

	queue  chan entry
	file   *os.File
	writer *bufio.Writer

	bus *bus.Bus
}

// Attach wires the sink to b so accepted (non-filtered) entries are also
// published as /log/entry for the web bridge to broadcast.
func (s *Sink) Attach(b *bus.Bus) {
	s.bus = b
}

// New constructs a Sink writing to a timestamped file under sessionDir,
// with a ring buffer of ringSize and deduplication over dedupWindow.
func New(sessionDir string, ringSize int, dedupWindow time.Duration) (*Sink, error) {
	if ringSize <= 0 {
		ringSize = 2000
	}
	if dedupWindow <= 0 {
		dedupWindow = time.Second
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create session dir: %w", err)
	}
	name := fmt.Sprintf("session-%s.log", time.Now().UTC().Format("20060102T150405"))
	f, err := os.Create(filepath.Join(sessionDir, name))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create session file: %w", err)
	}

	return &Sink{
		ring:        make([]entry, ringSize),
		ringSize:    ringSize,
		dedupWindow: dedupWindow,
		queue:       make(chan entry, ringSize),
		file:        f,
		writer:      bufio.NewWriter(f),
	}, nil
}

// Hook returns a zerolog.Hook that feeds this sink. Records arriving
// through it are attributed to logger "unknown" (see loggerNameFromEvent).
func (s *Sink) Hook() zerolog.Hook {
	return hookFunc(func(e *zerolog.Event, level zerolog.Level, message string) {
		s.capture(loggerNameFromEvent(e), level.String(), message)
	})
}

type hookFunc func(e *zerolog.Event, level zerolog.Level, message string)

func (f hookFunc) Run(e *zerolog.Event, level zerolog.Level, message string) {
	f(e, level, message)
}

// loggerNameFromEvent is a placeholder resolver: zerolog does not expose
// already-bound fields to a Hook, so every record captured through Hook is
// attributed to "unknown". Capture takes the logger name explicitly.
func loggerNameFromEvent(e *zerolog.Event) string {
	return "unknown"
}

// Capture records a log line directly under the given logger name,
// bypassing the zerolog.Hook path.
func (s *Sink) Capture(logger, level, message string) {
	s.capture(logger, level, message)
}

// Run implements service.Runner: blocks until ctx is canceled, drains the
// write queue, then flushes and closes the session file.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return s.closeFile()
		case e := <-s.queue:
			s.writeEntry(e)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case e := <-s.queue:
			s.writeEntry(e)
		default:
			return
		}
	}
}

func (s *Sink) closeFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.writer.Flush()
	return s.file.Close()
}

// Filtered reports whether logger matches the hard filter list.
func Filtered(logger string) bool {
	for _, p := range FilteredPrefixes {
		if strings.HasPrefix(logger, p) {
			return true
		}
	}
	return false
}

func (s *Sink) capture(logger, level, message string) {
	if Filtered(logger) {
		return
	}
	now := time.Now()

	s.mu.Lock()
	if s.last != nil && s.last.logger == logger && s.last.level == level && s.last.message == message &&
		now.Sub(s.last.timestamp) < s.dedupWindow {
		s.last.repeat++
		s.ring[(s.head-1+s.ringSize)%s.ringSize] = *s.last
		s.mu.Unlock()
		return
	}

	e := entry{logger: logger, level: level, message: message, timestamp: now, repeat: 1}
	s.ring[s.head] = e
	s.head = (s.head + 1) % s.ringSize
	if s.count < s.ringSize {
		s.count++
	}
	last := e
	s.last = &last
	b := s.bus
	s.mu.Unlock()

	select {
	case s.queue <- e:
	default:
		// queue full: the ring buffer still has it; the file write is
		// best-effort under extreme load.
	}

	if b != nil {
		b.Emit(schemas.TopicLogEntry, schemas.LogEntryPayload{
			Timestamp: float64(now.UnixMilli()) / 1000,
			Level:     level,
			Logger:    logger,
			Message:   message,
		})
	}
}

func (s *Sink) writeEntry(e entry) {
	line, err := json.Marshal(logLine{
		Timestamp: e.timestamp.UnixMilli(),
		Level:     e.level,
		Logger:    e.logger,
		Message:   e.message,
		Repeat:    e.repeat,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	_, _ = s.writer.Write(line)
	_, _ = s.writer.WriteString("\n")
	_ = s.writer.Flush()
	s.mu.Unlock()
}

type logLine struct {
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Logger    string `json:"logger"`
	Message   string `json:"message"`
	Repeat    int    `json:"repeat"`
}

// Snapshot returns the currently buffered entries in chronological order,
// for the bridge's in-memory query path (: ring buffer is
// read-only for that path).
func (s *Sink) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.count)
	start := (s.head - s.count + s.ringSize) % s.ringSize
	for i := 0; i < s.count; i++ {
		e := s.ring[(start+i)%s.ringSize]
		out = append(out, fmt.Sprintf("[%s] %s: %s (x%d)", e.level, e.logger, e.message, e.repeat))
	}
	return out
}
