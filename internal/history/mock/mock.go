// Package mock provides a test double for the history store.
//
// Store records every call and serves configurable results:
//
//	st := &mock.Store{LookupResult: &history.Caller{Name: "שי"}}
//	// ... hand st to the code under test ...
//	recs := st.Records()
package mock

import (
	"context"
	"sync"

	"github.com/leadline-voice/leadline/internal/history"
)

// Compile-time assertion that Store satisfies the history interface.
var _ history.Store = (*Store)(nil)

// Store is a mock history.Store.
type Store struct {
	// LookupResult is returned by LookupCaller.
	LookupResult *history.Caller

	// LookupErr, when set, is returned by LookupCaller.
	LookupErr error

	// SimilarResult is returned by FindSimilarName.
	SimilarResult *history.Caller

	// SimilarErr, when set, is returned by FindSimilarName.
	SimilarErr error

	// RecordErr, when set, is returned by RecordCall.
	RecordErr error

	mu           sync.Mutex
	lookupCalls  []string
	similarCalls []string
	records      []history.CallRecord
	closed       bool
}

// LookupCaller records the call and returns the configured result.
func (s *Store) LookupCaller(_ context.Context, callerID string) (*history.Caller, error) {
	s.mu.Lock()
	s.lookupCalls = append(s.lookupCalls, callerID)
	s.mu.Unlock()
	if s.LookupErr != nil {
		return nil, s.LookupErr
	}
	return s.LookupResult, nil
}

// FindSimilarName records the call and returns the configured result.
func (s *Store) FindSimilarName(_ context.Context, name string) (*history.Caller, error) {
	s.mu.Lock()
	s.similarCalls = append(s.similarCalls, name)
	s.mu.Unlock()
	if s.SimilarErr != nil {
		return nil, s.SimilarErr
	}
	return s.SimilarResult, nil
}

// RecordCall records the record.
func (s *Store) RecordCall(_ context.Context, rec history.CallRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return s.RecordErr
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// LookupCalls returns a copy of all recorded LookupCaller arguments.
func (s *Store) LookupCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lookupCalls))
	copy(out, s.lookupCalls)
	return out
}

// SimilarCalls returns a copy of all recorded FindSimilarName arguments.
func (s *Store) SimilarCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.similarCalls))
	copy(out, s.similarCalls)
	return out
}

// Records returns a copy of all recorded calls.
func (s *Store) Records() []history.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.CallRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
