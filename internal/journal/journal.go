// Package journal records instance state transitions as JSON lines.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the journal file inside the state directory.
const FileName = "journal.jsonl"

// Entry is a single state transition.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Instance  string `json:"instance"`
	AppID     string `json:"app_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Resource  string `json:"resource,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Journal appends entries to a file. A zero path disables it.
type Journal struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// Open opens (or creates) the journal at path for appending.
func Open(path string) (*Journal, error) {
	if path == "" {
		return &Journal{writer: nopWriteCloser{}}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{writer: file}, nil
}

// Discard returns a journal that drops every entry.
func Discard() *Journal {
	return &Journal{writer: nopWriteCloser{}}
}

// Record appends entry. O_APPEND keeps lines from concurrent processes whole.
func (j *Journal) Record(entry Entry) error {
	if j == nil || j.writer == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer != nil {
		return j.writer.Close()
	}
	return nil
}

// Read returns the entries at path, optionally only those for instance.
// Malformed lines are skipped.
func Read(path, instance string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if instance != "" && entry.Instance != instance {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
