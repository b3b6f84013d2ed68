package storage

import (
	"sync"
	"time"
)

// TelemetryFilter selects dispatch events for a telemetry slice.
type TelemetryFilter struct {
	ExtensionID string
	Since       time.Time
	Until       time.Time
}

// MemoryWriter keeps dispatch events in memory. It serves as the
// EventWriter when no ClickHouse DSN is configured and as the telemetry
// source for evidence bundles and tests.
type MemoryWriter struct {
	mu     sync.RWMutex
	events []DispatchEvent
}

// NewMemoryWriter creates an empty in-memory event writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) Write(event *DispatchEvent) {
	w.mu.Lock()
	w.events = append(w.events, *event)
	w.mu.Unlock()
}

func (w *MemoryWriter) Close() {}

// Slice returns copies of events matching the filter in append order.
func (w *MemoryWriter) Slice(f TelemetryFilter) []DispatchEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []DispatchEvent
	for _, e := range w.events {
		if f.ExtensionID != "" && e.ExtensionID != f.ExtensionID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of recorded events.
func (w *MemoryWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.events)
}

// MultiWriter fans each event out to all underlying writers. The server
// uses it to feed ClickHouse and the in-memory evidence telemetry at once.
type MultiWriter struct {
	writers []EventWriter
}

// NewMultiWriter wraps the given writers. Nil writers are skipped.
func NewMultiWriter(writers ...EventWriter) *MultiWriter {
	m := &MultiWriter{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

func (m *MultiWriter) Write(event *DispatchEvent) {
	for _, w := range m.writers {
		w.Write(event)
	}
}

func (m *MultiWriter) Close() {
	for _, w := range m.writers {
		w.Close()
	}
}
