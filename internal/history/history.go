// Package history records finished calls and recognizes returning callers.
// The store answers two questions at call start — "have we spoken to this
// number before?" and, when the caller ID is withheld, "does this stated
// name sound like someone we know?" — and persists the outcome of every
// finished call. Backed by PostgreSQL; deployments without a DSN run with a
// nil store and skip both.
package history

import (
	"context"
	"time"
)

// CallRecord is one finished call as the finalizer reports it.
type CallRecord struct {
	CallID     string
	CallerID   string
	CalleeID   string
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    string
	LeadName   string
	LeadPhone  string
	Transcript string
}

// Caller summarizes what earlier calls know about one caller.
type Caller struct {
	CallerID string
	Name     string
	Phone    string
	Calls    int
	LastCall time.Time
}

// Store is the caller-history persistence contract. [Postgres] implements
// it; tests use the mock subpackage.
type Store interface {
	// LookupCaller returns the aggregate for callerID, or nil when this
	// number has never called.
	LookupCaller(ctx context.Context, callerID string) (*Caller, error)

	// FindSimilarName returns the known caller whose recorded name is
	// most similar to name, or nil when nothing scores above the
	// similarity threshold.
	FindSimilarName(ctx context.Context, name string) (*Caller, error)

	// RecordCall persists one finished call.
	RecordCall(ctx context.Context, rec CallRecord) error

	// Close releases the underlying connections.
	Close()
}
