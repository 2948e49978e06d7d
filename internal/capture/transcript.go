package capture

import (
	"sync"
	"time"
)

// Role identifies who spoke a transcript line
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Line is one finished utterance
type Line struct {
	Role Role
	Text string
	At   time.Time
}

// Transcript keeps the most recent lines of a conversation plus the user's
// in-progress partial transcript
type Transcript struct {
	mu      sync.RWMutex
	lines   []Line
	limit   int
	partial string
	onLine  func(Line)
}

// NewTranscript creates a transcript holding at most limit lines
func NewTranscript(limit int, onLine func(Line)) *Transcript {
	if limit < 1 {
		limit = 1
	}
	return &Transcript{limit: limit, onLine: onLine}
}

// Append records a final line, evicting the oldest when full
func (t *Transcript) Append(role Role, text string) Line {
	line := Line{Role: role, Text: text, At: time.Now()}

	t.mu.Lock()
	if role == RoleUser {
		t.partial = ""
	}
	t.lines = append(t.lines, line)
	if over := len(t.lines) - t.limit; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
	onLine := t.onLine
	t.mu.Unlock()

	if onLine != nil {
		onLine(line)
	}
	return line
}

// SetPartial replaces the user's tentative transcript
func (t *Transcript) SetPartial(text string) {
	t.mu.Lock()
	t.partial = text
	t.mu.Unlock()
}

// Partial returns the user's tentative transcript
func (t *Transcript) Partial() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partial
}

// Correct replaces the most recent agent line matching original. It reports
// whether a line was changed.
func (t *Transcript) Correct(original, corrected string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.lines) - 1; i >= 0; i-- {
		if t.lines[i].Role == RoleAgent && t.lines[i].Text == original {
			t.lines[i].Text = corrected
			return true
		}
	}
	return false
}

// Lines returns a copy of the retained lines, oldest first
func (t *Transcript) Lines() []Line {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}
