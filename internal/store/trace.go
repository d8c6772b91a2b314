package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const traceFile = "trace.jsonl"

// TraceEntry is the residual of one iterate, stored as one line of
// trace.jsonl.
type TraceEntry struct {
	Iteration int `json:"iteration"`

	// Residual is (d(x, C0), d(x, C1))
	Residual [2]float64 `json:"residual"`

	// Fejer is the distance to the known optimum, omitted when unknown
	Fejer float64 `json:"fejer,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Iterate is only kept for small problems
	Iterate []float64 `json:"iterate,omitempty"`
}

// Sum returns the total residual.
func (e TraceEntry) Sum() float64 {
	return e.Residual[0] + e.Residual[1]
}

func tracePath(baseDir, runID string) string {
	return filepath.Join(runDir(baseDir, runID), traceFile)
}

// TraceWriter appends entries to a run's trace. Iterations must increase
// within one writer. It is safe for concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	path string

	written int
	last    int
}

// NewTraceWriter opens <baseDir>/runs/<runID>/trace.jsonl, truncating it
// unless append is set.
func NewTraceWriter(baseDir, runID string, append bool) (*TraceWriter, error) {
	if err := os.MkdirAll(runDir(baseDir, runID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := tracePath(baseDir, runID)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &TraceWriter{
		file: file,
		buf:  buf,
		enc:  json.NewEncoder(buf),
		path: path,
		last: -1,
	}, nil
}

// Write buffers one entry. Entries reach the file on Flush or Close.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if entry.Iteration <= tw.last {
		return fmt.Errorf("trace iteration %d does not follow %d", entry.Iteration, tw.last)
	}
	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	tw.last = entry.Iteration
	tw.written++
	return nil
}

// Len returns the number of entries written by this writer.
func (tw *TraceWriter) Len() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.written
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.buf.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file path.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads a run's trace entry by entry. Blank lines are skipped.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

// NewTraceReader opens the trace of runID. A missing trace is ErrNotFound.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	// Traced iterates make long lines.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF at the end of the trace.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	for tr.scanner.Scan() {
		tr.line++
		line := bytes.TrimSpace(tr.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry TraceEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode trace line %d: %w", tr.line, err)
		}
		return &entry, nil
	}
	if err := tr.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan trace line %d: %w", tr.line+1, err)
	}
	return nil, io.EOF
}

// ReadAll returns the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ReadTrace loads the whole trace of a run.
func ReadTrace(baseDir, runID string) ([]TraceEntry, error) {
	reader, err := NewTraceReader(baseDir, runID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadAll()
}

// DeleteTrace removes a run's trace. A missing trace is not an error.
func DeleteTrace(baseDir, runID string) error {
	err := os.Remove(tracePath(baseDir, runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
