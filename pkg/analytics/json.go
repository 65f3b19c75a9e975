package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teslashibe/go-chipins/pkg/proximity"
)

// JSONRecorder keeps sessions in a JSON file. It suits kiosks without a
// database; the file is rewritten atomically on every session.
type JSONRecorder struct {
	path  string
	limit int

	mu       sync.RWMutex
	sessions []proximity.Session // oldest first
}

// jsonData is the JSON structure for the store file.
type jsonData struct {
	Version   int                 `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Sessions  []proximity.Session `json:"sessions"`
}

const jsonVersion = 1

// NewJSONRecorder opens the file at path, keeping at most limit sessions
// (0 means unlimited). The file is created on first write.
func NewJSONRecorder(path string, limit int) (*JSONRecorder, error) {
	r := &JSONRecorder{path: path, limit: limit}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("analytics.json.open", fmt.Errorf("create directory: %w", err))
	}
	if _, err := os.Stat(path); err == nil {
		if err := r.load(); err != nil {
			return nil, persistErr("analytics.json.open", err)
		}
	}
	return r, nil
}

func (r *JSONRecorder) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var stored jsonData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}
	r.sessions = stored.Sessions
	return nil
}

// save writes the file (must hold mu).
func (r *JSONRecorder) save() error {
	data, err := json.MarshalIndent(jsonData{
		Version:   jsonVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Sessions:  r.sessions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Write to temp file first, then rename (atomic write)
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Record appends s and rewrites the file.
func (r *JSONRecorder) Record(_ context.Context, s proximity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = append(r.sessions, s)
	if r.limit > 0 && len(r.sessions) > r.limit {
		r.sessions = append([]proximity.Session(nil), r.sessions[len(r.sessions)-r.limit:]...)
	}
	if err := r.save(); err != nil {
		return persistErr("analytics.json.record", err)
	}
	return nil
}

// Recent returns up to n sessions, newest first.
func (r *JSONRecorder) Recent(_ context.Context, n int) ([]proximity.Session, error) {
	if n <= 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > len(r.sessions) {
		n = len(r.sessions)
	}
	out := make([]proximity.Session, 0, n)
	for i := len(r.sessions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.sessions[i])
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (r *JSONRecorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close is a no-op; every Record is already on disk.
func (r *JSONRecorder) Close() error {
	return nil
}
