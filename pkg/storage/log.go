// Package storage provides append-only record logs for tamper-evident journals
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AppendLog is a log of opaque records that only grows. Records are framed
// by newlines, so a record must not contain one.
type AppendLog interface {
	Append(record []byte) error
	ReadAll() ([][]byte, error)
}

// FileLog stores one record per line in a single file. Appends are
// serialized and synced to disk before returning.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog opens the log file at path, creating it and any parent
// directories as needed.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	file.Close()

	return &FileLog{path: path}, nil
}

// Append writes one record and syncs it to disk
func (l *FileLog) Append(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return fmt.Errorf("record must not contain a newline")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file for appending: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	return nil
}

// ReadAll returns every record in append order
func (l *FileLog) ReadAll() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	records := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		records = append(records, line)
	}

	return records, nil
}

// MemoryLog is an in-memory AppendLog for tests and development
type MemoryLog struct {
	mu      sync.RWMutex
	records [][]byte
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make([][]byte, 0)}
}

// Append stores a copy of the record
func (l *MemoryLog) Append(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return fmt.Errorf("record must not contain a newline")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := make([]byte, len(record))
	copy(stored, record)
	l.records = append(l.records, stored)

	return nil
}

// ReadAll returns copies of every record in append order
func (l *MemoryLog) ReadAll() ([][]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([][]byte, len(l.records))
	for i, record := range l.records {
		stored := make([]byte, len(record))
		copy(stored, record)
		records[i] = stored
	}

	return records, nil
}

// Reset drops every record. Only for tests.
func (l *MemoryLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = l.records[:0]
}
