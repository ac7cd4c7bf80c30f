package saga

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileEventStore provides a file-based implementation of EventStore that
// keeps one JSON lines file per execution. Execution ids must be plain file
// names: ids with path separators or dot segments are rejected with
// ErrInvalidExecutionID.
type FileEventStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
	lastSeq  map[ExecutionID]int64
}

// NewFileEventStore creates a store that writes to basePath.
func NewFileEventStore(basePath string) (*FileEventStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileEventStore{
		basePath: basePath,
		lastSeq:  make(map[ExecutionID]int64),
	}, nil
}

// Append writes ev as one line to the execution's file.
func (f *FileEventStore) Append(_ context.Context, ev ExecutionEvent) error {
	path, err := f.filename(ev.ExecutionID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.lastSeq[ev.ExecutionID]
	if !ok {
		events, err := f.read(path, ev.ExecutionID)
		switch {
		case errors.Is(err, ErrExecutionNotFound):
		case err != nil:
			return err
		case len(events) > 0:
			last = events[len(events)-1].Sequence
		}
	}
	if ev.Sequence <= last {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, ev.Sequence, last)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	f.lastSeq[ev.ExecutionID] = ev.Sequence
	return nil
}

// ReadAll reads the events of id from disk.
func (f *FileEventStore) ReadAll(_ context.Context, id ExecutionID) ([]ExecutionEvent, error) {
	path, err := f.filename(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(path, id)
}

func (f *FileEventStore) read(path string, id ExecutionID) ([]ExecutionEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer file.Close()

	return readEventLines(bufio.NewReader(file))
}

// filename returns the full path for an execution's event file.
func (f *FileEventStore) filename(id ExecutionID) (string, error) {
	name := string(id)
	if name == "" || name == "." || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidExecutionID, name)
	}
	return filepath.Join(f.basePath, name+".jsonl"), nil
}
