// Package eventlog implements a durable, append-only event log: every
// pipeline error, across every component, is written here as one JSON line
// so "what is broken" survives a process restart instead of living only in
// memory. ccindex ingest --since-last-failure reads it back.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalbasit/ccindex/pkg/pipelineerr"
)

// DefaultMaxBytes is the size at which Log rotates its current file to a
// timestamped sibling before continuing to append.
const DefaultMaxBytes = 64 << 20 // 64 MiB

// Event is one durable record: the {kind, collection, shard, message,
// retryable} shape every pipeline error carries, plus an ID and timestamp
// so events can be deduplicated and ordered across restarts.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Collection string    `json:"collection"`
	Shard      string    `json:"shard,omitempty"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
}

// FromError builds an Event from a *pipelineerr.Error, stamping it with a
// fresh ID and the current time. Non-pipelineerr errors are recorded with
// an empty Kind rather than dropped, since an unclassified failure is still
// worth a durable record.
func FromError(err error) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Message: err.Error(),
	}

	var perr *pipelineerr.Error
	if ok := asPipelineErr(err, &perr); ok {
		ev.Kind = string(perr.Kind)
		ev.Collection = perr.Collection
		ev.Shard = perr.Shard
		ev.Retryable = perr.Retryable
	}

	return ev
}

func asPipelineErr(err error, target **pipelineerr.Error) bool {
	type unwrapper interface{ Unwrap() []error }

	if perr, ok := err.(*pipelineerr.Error); ok { //nolint:errorlint
		*target = perr

		return true
	}

	if u, ok := err.(unwrapper); ok { //nolint:errorlint
		for _, inner := range u.Unwrap() {
			if asPipelineErr(inner, target) {
				return true
			}
		}
	}

	return false
}

// Log is an append-only, rotated JSONL event log. Safe for concurrent use
// by multiple worker goroutines within one process; the orchestrator holds
// exactly one Log per CCINDEX_ROOT.
type Log struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	w        *bufio.Writer
}

// Open opens (creating if absent) the event log at path.
func Open(path string, maxBytes int64) (*Log, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %q: %w", path, err)
	}

	return &Log{path: path, maxBytes: maxBytes, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes ev as one JSON line, rotating first if the log has grown
// past maxBytes.
func (l *Log) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing event newline: %w", err)
	}

	return l.w.Flush()
}

// AppendError is a convenience wrapper around Append(ctx, FromError(err)).
func (l *Log) AppendError(ctx context.Context, err error) error {
	return l.Append(ctx, FromError(err))
}

func (l *Log) rotateIfNeeded() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}

	if info.Size() < l.maxBytes {
		return nil
	}

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing before rotation: %w", err)
	}

	if err := l.f.Close(); err != nil {
		return fmt.Errorf("closing before rotation: %w", err)
	}

	rotated := fmt.Sprintf("%s.%d", l.path, time.Now().UTC().UnixNano())
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotating event log to %q: %w", rotated, err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening event log after rotation: %w", err)
	}

	l.f = f
	l.w = bufio.NewWriter(f)

	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing event log: %w", err)
	}

	return l.f.Close()
}

// ReadAll reads every event currently on disk at path, in append order.
// Used by `ccindex ingest --since-last-failure` to find collections worth
// retrying.
func ReadAll(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening event log %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var out []Event

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parsing event log line: %w", err)
		}

		out = append(out, ev)
	}

	return out, scanner.Err()
}
