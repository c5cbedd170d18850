// Package call holds the data model of one telephone call. The session
// builds it while the call runs and the finalizer reads it afterwards; the
// types live here so both sides can import them without a cycle.
package call

import (
	"slices"
	"strings"
	"time"
	"unicode"
)

// Withheld is the caller ID value carriers send when the number is hidden.
const Withheld = "withheld"

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Entry is one utterance in the conversation log, ordered by the time the
// session recorded it.
type Entry struct {
	Role Role
	Text string
	At   time.Time
}

// Lead is what the call learned about the caller.
type Lead struct {
	// Name as stated by the caller or known from history.
	Name string
	// Phone in normalized form when known.
	Phone string
	// RequestPresent is set when the caller stated a concrete request.
	RequestPresent bool
}

// Context accumulates everything known about one call. It is mutated only
// by the owning session goroutine; after the session ends it is effectively
// immutable.
type Context struct {
	CallID    string
	StreamID  string
	CallerID  string
	CalleeID  string
	StartedAt time.Time
	EndedAt   time.Time

	Log  []Entry
	Lead Lead

	RecordingID  string
	RecordingURL string
}

// AppendUser records a caller utterance.
func (c *Context) AppendUser(text string, at time.Time) {
	c.Log = append(c.Log, Entry{Role: RoleUser, Text: text, At: at})
}

// AppendBot records a bot utterance.
func (c *Context) AppendBot(text string, at time.Time) {
	c.Log = append(c.Log, Entry{Role: RoleBot, Text: text, At: at})
}

// Snapshot returns a copy whose log is detached from the original, safe to
// hand to goroutines that outlive the next append.
func (c *Context) Snapshot() *Context {
	cp := *c
	cp.Log = slices.Clone(c.Log)
	return &cp
}

// UserUtterances returns the caller's texts in order.
func (c *Context) UserUtterances() []string {
	var out []string
	for _, e := range c.Log {
		if e.Role == RoleUser {
			out = append(out, e.Text)
		}
	}
	return out
}

// TranscriptText renders the conversation as role-prefixed lines.
func (c *Context) TranscriptText() string {
	var b strings.Builder
	for i, e := range c.Log {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

// Duration returns the call length, zero when the timestamps are unset or
// inverted.
func (c *Context) Duration() time.Duration {
	if c.StartedAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	d := c.EndedAt.Sub(c.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// CallerWithheld reports whether the caller ID is absent or hidden.
func (c *Context) CallerWithheld() bool {
	id := strings.TrimSpace(c.CallerID)
	if id == "" {
		return true
	}
	if strings.EqualFold(id, Withheld) || strings.EqualFold(id, "anonymous") {
		return true
	}
	// Some carriers send a placeholder with no digits at all.
	for _, r := range id {
		if unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
