package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of an execution log entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEntry is one line of the user-facing execution log.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	NodeID    string    `json:"nodeId,omitempty"`
	NodeName  string    `json:"nodeName,omitempty"`
	Message   string    `json:"message"`
}

// ExecutionLog is an append-only sequence of entries for one run. Entries are
// never changed after Append.
type ExecutionLog struct {
	mu      sync.RWMutex
	entries []LogEntry
	onAdd   func(LogEntry)
}

// NewExecutionLog creates an empty log. onAdd, if non-nil, is called with
// every appended entry.
func NewExecutionLog(onAdd func(LogEntry)) *ExecutionLog {
	return &ExecutionLog{onAdd: onAdd}
}

// Append adds an entry, filling in id and timestamp.
func (l *ExecutionLog) Append(sev Severity, node *Node, message string) LogEntry {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Severity:  sev,
		Message:   message,
	}
	if node != nil {
		entry.NodeID = node.ID
		entry.NodeName = node.DisplayName()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	onAdd := l.onAdd
	l.mu.Unlock()

	if onAdd != nil {
		onAdd(entry)
	}
	return entry
}

// Entries returns a copy of every entry.
func (l *ExecutionLog) Entries() []LogEntry {
	return l.Since(0)
}

// Since returns a copy of the entries from index n on.
func (l *ExecutionLog) Since(n int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.entries) {
		return []LogEntry{}
	}
	out := make([]LogEntry, len(l.entries)-n)
	copy(out, l.entries[n:])
	return out
}

// Len returns the number of entries.
func (l *ExecutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
