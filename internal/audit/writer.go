package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"

	"callrelay/broker/internal/eventbus"
	"callrelay/broker/internal/logging"
)

var writerNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the audit bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
}

// Writer streams lifecycle events to disk as a snappy-compressed JSONL file,
// one bundle directory per process lifetime.
type Writer struct {
	mu         sync.Mutex
	dir        string
	now        func() time.Time
	eventFile  *os.File
	eventSink  *snappy.Writer
	instanceID string
}

// NewWriter prepares the audit bundle directory and opens the compressed
// event sink. instanceID labels the bundle (e.g. a hostname or process id)
// and is sanitized into a filesystem-safe directory component.
func NewWriter(root, instanceID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("audit root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := writerNameCleaner.ReplaceAllString(instanceID, "")
	if cleaned == "" {
		cleaned = "instance"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventSink := snappy.NewBufferedWriter(eventFile)

	manifest := Manifest{
		Version:    1,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "events.jsonl.sz",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		eventSink.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		eventSink.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:        path,
		now:        clock,
		eventFile:  eventFile,
		eventSink:  eventSink,
		instanceID: cleaned,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the audit bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// auditRecord is the on-disk envelope for a single lifecycle event.
type auditRecord struct {
	RecordedAt string         `json:"recorded_at"`
	Event      eventbus.Event `json:"event"`
}

// RecordEvent implements engine.AuditRecorder: it appends event to the
// compressed JSONL log, swallowing write failures into a best-effort log
// line since the engine must never block or fail on the audit path.
func (w *Writer) RecordEvent(event eventbus.Event) {
	if w == nil {
		return
	}
	if err := w.AppendEvent(event); err != nil {
		logging.L().Warn("audit event append failed", logging.Error(err))
	}
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (w *Writer) AppendEvent(event eventbus.Event) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	record := auditRecord{RecordedAt: w.now().UTC().Format(time.RFC3339Nano), Event: event}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.eventSink.Write(line); err != nil {
		return err
	}
	if _, err := w.eventSink.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventSink.Flush()
}

// Close flushes pending output, writes the bundle header, and releases the
// underlying file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	headerPath := filepath.Join(w.dir, "header.json")
	header := Header{SchemaVersion: HeaderSchemaVersion, InstanceID: w.instanceID, FilePointer: "manifest.json"}
	if err := WriteHeader(headerPath, header); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventSink.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
