package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// FileRecorder appends entries as JSON lines through a buffered background
// writer. Entries get monotonically increasing offsets; a full buffer spills to
// a synchronous write rather than dropping the entry.
type FileRecorder struct {
	filePath   string
	signingKey []byte
	nextOffset atomic.Int64

	writeChan chan Entry
	stopChan  chan struct{}
	doneChan  chan struct{}

	fileMu sync.Mutex
	file   *os.File
	writer *bufio.Writer

	appendFailures atomic.Int64
}

// FileRecorderConfig holds configuration for the file recorder
type FileRecorderConfig struct {
	FilePath   string
	SigningKey string
	BufferSize int
}

// NewFileRecorder opens (or creates) the audit file and starts the writer
func NewFileRecorder(config FileRecorderConfig) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	fr := &FileRecorder{
		filePath:   config.FilePath,
		signingKey: []byte(config.SigningKey),
		writeChan:  make(chan Entry, bufferSize),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		file:       file,
		writer:     bufio.NewWriter(file),
	}

	go fr.backgroundWriter()

	slog.Info("Audit file recorder initialized",
		"file_path", config.FilePath,
		"signing", len(fr.signingKey) > 0,
		"buffer_size", bufferSize)

	return fr, nil
}

// Append records an entry. Never blocks the caller beyond a synchronous disk
// write when the buffer is saturated, and never returns an error.
func (fr *FileRecorder) Append(entry Entry) {
	entry.Offset = fr.nextOffset.Add(1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Signature = Sign(entry, fr.signingKey)

	select {
	case fr.writeChan <- entry:
	case <-fr.stopChan:
		// Recorder is shutting down; write synchronously so the entry is not lost
		fr.writeEntry(entry)
	default:
		// Buffer saturated; the sink must not be lossy, so write inline
		slog.Warn("Audit buffer full, writing entry synchronously",
			"offset", entry.Offset,
			"operation_id", entry.OperationID)
		fr.writeEntry(entry)
	}
}

// AppendFailures returns the number of entries that could not be persisted
func (fr *FileRecorder) AppendFailures() int64 {
	return fr.appendFailures.Load()
}

// Close drains the buffer and flushes the file
func (fr *FileRecorder) Close() error {
	close(fr.stopChan)
	<-fr.doneChan

	fr.fileMu.Lock()
	defer fr.fileMu.Unlock()
	if err := fr.writer.Flush(); err != nil {
		return err
	}
	return fr.file.Close()
}

// backgroundWriter consumes queued entries until the recorder is stopped
func (fr *FileRecorder) backgroundWriter() {
	defer close(fr.doneChan)

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case entry := <-fr.writeChan:
			fr.writeEntry(entry)
		case <-flushTicker.C:
			fr.flush()
		case <-fr.stopChan:
			// Drain whatever is still queued
			for {
				select {
				case entry := <-fr.writeChan:
					fr.writeEntry(entry)
				default:
					fr.flush()
					return
				}
			}
		}
	}
}

func (fr *FileRecorder) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fr.appendFailures.Add(1)
		slog.Error("Failed to marshal audit entry", "error", err, "operation_id", entry.OperationID)
		return
	}

	fr.fileMu.Lock()
	defer fr.fileMu.Unlock()

	if _, err := fr.writer.Write(append(data, '\n')); err != nil {
		fr.appendFailures.Add(1)
		slog.Error("Failed to write audit entry", "error", err, "operation_id", entry.OperationID)
	}
}

func (fr *FileRecorder) flush() {
	fr.fileMu.Lock()
	defer fr.fileMu.Unlock()
	if err := fr.writer.Flush(); err != nil {
		slog.Error("Failed to flush audit file", "error", err)
	}
}

// MemoryRecorder collects entries in memory. Test helper.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRecorder creates a new in-memory recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Append stores the entry
func (mr *MemoryRecorder) Append(entry Entry) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	entry.Offset = int64(len(mr.entries) + 1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	mr.entries = append(mr.entries, entry)
}

// Entries returns a copy of the recorded entries
func (mr *MemoryRecorder) Entries() []Entry {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	out := make([]Entry, len(mr.entries))
	copy(out, mr.entries)
	return out
}
