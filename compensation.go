package saga

import "encoding/json"

// CompensationEntry is a pending undo for a step that has been scheduled.
type CompensationEntry struct {
	Step     StepName
	Activity ActivityName
	Input    json.RawMessage
	Options  ActivityOptions
}

// CompensationStack holds undo entries in the order their forward steps were
// scheduled. It is owned by a single execution and is not safe for concurrent
// use.
type CompensationStack struct {
	entries []CompensationEntry
}

// Push adds an entry on top of the stack.
func (s *CompensationStack) Push(entry CompensationEntry) {
	s.entries = append(s.entries, entry)
}

// Pop removes and returns the most recently pushed entry.
func (s *CompensationStack) Pop() (CompensationEntry, bool) {
	if len(s.entries) == 0 {
		return CompensationEntry{}, false
	}
	last := len(s.entries) - 1
	entry := s.entries[last]
	s.entries = s.entries[:last]
	return entry, true
}

// Peek returns the top entry without removing it.
func (s *CompensationStack) Peek() (CompensationEntry, bool) {
	if len(s.entries) == 0 {
		return CompensationEntry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// DiscardTop removes the top entry if it belongs to step. It is used when the
// forward activity reported a definite failure and so has nothing to undo.
func (s *CompensationStack) DiscardTop(step StepName) bool {
	top, ok := s.Peek()
	if !ok || top.Step != step {
		return false
	}
	s.entries = s.entries[:len(s.entries)-1]
	return true
}

func (s *CompensationStack) Len() int {
	return len(s.entries)
}
