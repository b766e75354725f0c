package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryEntry captures one proxied flow: who asked, what was targeted, which
// scripts fired, and how the upstream answered.
type HistoryEntry struct {
	FlowID         string    `json:"flow_id"`
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"status_code"`
	LatencyMillis  int64     `json:"latency_ms"`
	RequestSize    int       `json:"request_size_bytes"`
	ResponseSize   int       `json:"response_size_bytes"`
	MatchedScripts []string  `json:"matched_scripts,omitempty"`
	Denied         string    `json:"denied,omitempty"`
}

// historyWriter persists flow history to disk as JSONL.
type historyWriter struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func newHistoryWriter(path string) (*historyWriter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	return &historyWriter{path: path, file: file}, nil
}

// Close flushes and closes the history file handle.
func (h *historyWriter) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// Path reports the backing file path for persisted history entries.
func (h *historyWriter) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Write appends an entry to the history file. A nil writer drops the entry,
// which keeps history strictly optional.
func (h *historyWriter) Write(entry HistoryEntry) error {
	if h == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	payload = append(payload, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return errors.New("history writer closed")
	}
	if _, err := h.file.Write(payload); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	return nil
}
