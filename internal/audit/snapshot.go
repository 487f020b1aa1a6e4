package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"callrelay/broker/internal/model"
)

// SnapshotProvider supplies the current in-flight call set for a periodic
// durability snapshot. A Store implementation that can enumerate its rows
// satisfies this without widening the core's narrow persistence contract.
type SnapshotProvider interface {
	Snapshot() ([]*model.Call, error)
}

// SnapshotWriter dumps the full in-flight call set to a zstd-compressed
// JSON file, one timestamped file per snapshot.
type SnapshotWriter struct {
	dir string
	now func() time.Time
}

// NewSnapshotWriter constructs a SnapshotWriter rooted at dir.
func NewSnapshotWriter(dir string, clock func() time.Time) (*SnapshotWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotWriter{dir: dir, now: clock}, nil
}

// snapshotEnvelope is the JSON payload compressed into each snapshot file.
type snapshotEnvelope struct {
	TakenAt string        `json:"taken_at"`
	Calls   []*model.Call `json:"calls"`
}

// WriteSnapshot encodes calls as JSON and writes them, zstd-compressed, to
// a timestamped file under the snapshot directory. It returns the path
// written so callers (and the retention Cleaner) can track the artefact.
func (s *SnapshotWriter) WriteSnapshot(calls []*model.Call) (string, error) {
	if s == nil {
		return "", fmt.Errorf("snapshot writer not initialised")
	}
	taken := s.now().UTC()
	envelope := snapshotEnvelope{TakenAt: taken.Format(time.RFC3339Nano), Calls: calls}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("snapshot-%s.json.zst", taken.Format("20060102T150405.000000000Z"))
	path := filepath.Join(s.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return "", err
	}
	if _, err := encoder.Write(payload); err != nil {
		encoder.Close()
		return "", err
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return path, nil
}
