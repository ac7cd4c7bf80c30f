package saga

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LoadHistory reads a replay input: either a JSON array of events or one
// event per line. Inputs and outputs are compacted back to the form the
// orchestrator records, so an indented history replays byte for byte.
func LoadHistory(r io.Reader) ([]ExecutionEvent, error) {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, ErrNoStartEvent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	if first == '[' {
		var events []ExecutionEvent
		if err := json.NewDecoder(br).Decode(&events); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		return compactEvents(events)
	}

	events, err := readEventLines(br)
	if err != nil {
		return nil, err
	}
	return compactEvents(events)
}

func compactEvents(events []ExecutionEvent) ([]ExecutionEvent, error) {
	for i := range events {
		for _, raw := range []*json.RawMessage{&events[i].Input, &events[i].Output} {
			if len(*raw) == 0 {
				continue
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, *raw); err != nil {
				return nil, fmt.Errorf("failed to compact event %d: %w", events[i].Sequence, err)
			}
			*raw = buf.Bytes()
		}
	}
	return events, nil
}

// LoadHistoryFile reads a replay input from path.
func LoadHistoryFile(path string) ([]ExecutionEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	return LoadHistory(file)
}

// WriteHistory writes events as an indented JSON array. LoadHistory undoes
// the indentation.
func WriteHistory(w io.Writer, events []ExecutionEvent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	return nil
}

// ValidateHistory checks that events form a replayable history of a single
// execution: it starts with execution_started and sequence numbers strictly
// increase.
func ValidateHistory(events []ExecutionEvent) error {
	if len(events) == 0 || events[0].Kind != EventExecutionStarted {
		return ErrNoStartEvent
	}

	id := events[0].ExecutionID
	for i := 1; i < len(events); i++ {
		if events[i].ExecutionID != id {
			return fmt.Errorf("event %d belongs to execution %s, history is for %s", events[i].Sequence, events[i].ExecutionID, id)
		}
		if events[i].Sequence <= events[i-1].Sequence {
			return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, events[i].Sequence, events[i-1].Sequence)
		}
	}
	return nil
}

func readEventLines(r *bufio.Reader) ([]ExecutionEvent, error) {
	var events []ExecutionEvent
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var ev ExecutionEvent
			if uerr := json.Unmarshal(line, &ev); uerr != nil {
				return nil, fmt.Errorf("failed to decode event %d: %w", len(events)+1, uerr)
			}
			events = append(events, ev)
		}
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, r.UnreadByte()
	}
}
