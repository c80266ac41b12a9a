package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"signalrelay/internal/message"
)

// Checkpoint is the persisted scheduler state.
type Checkpoint struct {
	LastMessageID string    `json:"last_message_id,omitempty"`
	ProcessedIDs  []string  `json:"processed_messages"`
	LastCheck     time.Time `json:"last_check"`
}

// CheckpointFile stores a Checkpoint as a JSON document, overwritten whole.
type CheckpointFile struct {
	path string
}

// NewCheckpointFile returns a file-backed checkpoint at path.
func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

// Path returns the backing file path.
func (c *CheckpointFile) Path() string {
	return c.path
}

// Load reads the checkpoint. A missing or empty file yields a zero Checkpoint.
func (c *CheckpointFile) Load() (Checkpoint, error) {
	var cp Checkpoint
	found, err := readJSON(c.path, &cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return Checkpoint{}, nil
	}
	return cp, nil
}

// Save overwrites the checkpoint atomically.
func (c *CheckpointFile) Save(cp Checkpoint) error {
	if cp.ProcessedIDs == nil {
		cp.ProcessedIDs = []string{}
	}
	if err := writeJSON(c.path, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// RecordLog is the append-only JSON array of processed records, keyed by id.
type RecordLog struct {
	path string
}

// NewRecordLog returns a log stored at path.
func NewRecordLog(path string) *RecordLog {
	return &RecordLog{path: path}
}

// Path returns the backing file path.
func (l *RecordLog) Path() string {
	return l.path
}

// ReadAll returns every record in file order.
func (l *RecordLog) ReadAll() ([]message.ProcessedRecord, error) {
	var records []message.ProcessedRecord
	if _, err := readJSON(l.path, &records); err != nil {
		return nil, fmt.Errorf("read record log: %w", err)
	}
	return records, nil
}

// Append merges records into the log. Ids already present are kept as they are
// and the incoming duplicate is skipped. It returns how many records were added.
func (l *RecordLog) Append(records []message.ProcessedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	existing, err := l.ReadAll()
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(existing)+len(records))
	for _, rec := range existing {
		seen[rec.ID] = struct{}{}
	}

	added := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		existing = append(existing, rec)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := writeJSON(l.path, existing); err != nil {
		return 0, fmt.Errorf("append record log: %w", err)
	}
	return added, nil
}

func readJSON(path string, dst any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// writeJSON replaces path through a temp file so readers never see a partial
// document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
