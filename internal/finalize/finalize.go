// Package finalize classifies a finished call and reports it. Every call
// ends as exactly one of FINAL (we know who called and roughly why) or
// ABANDONED; the decision is deterministic, built from the conversation log
// alone, and never involves a model. A CALL_LOG notification additionally
// marks every call start.
package finalize

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/leadline-voice/leadline/internal/call"
	"github.com/leadline-voice/leadline/internal/history"
)

// Outcome is the terminal classification of a call.
type Outcome string

const (
	// OutcomeFinal marks a call that produced an actionable lead: a name
	// plus either an explicit request or a derivable subject.
	OutcomeFinal Outcome = "FINAL"

	// OutcomeAbandoned marks everything else.
	OutcomeAbandoned Outcome = "ABANDONED"
)

// EventCallLog is the event delivered once when a call starts.
const EventCallLog = "CALL_LOG"

// LeadPayload is the lead block of an outcome payload.
type LeadPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// Payload is the JSON document handed to the delivery collaborator.
type Payload struct {
	Event          string      `json:"event"`
	CallID         string      `json:"call_id"`
	StreamID       string      `json:"stream_id"`
	CallerID       string      `json:"caller_id"`
	CalleeID       string      `json:"callee_id"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        time.Time   `json:"ended_at,omitzero"`
	DurationMS     int64       `json:"duration_ms,omitempty"`
	TranscriptText string      `json:"transcript_text,omitempty"`
	Lead           LeadPayload `json:"lead"`
	RecordingURL   string      `json:"recording_url,omitempty"`
}

// BuildPayload assembles the outcome payload for a finished call and
// returns its classification. Name and phone fall back to deterministic
// extraction when the session did not learn them upstream.
func BuildPayload(c *call.Context, lang string) (Payload, Outcome) {
	users := c.UserUtterances()

	name := strings.TrimSpace(c.Lead.Name)
	if name == "" {
		name = ExtractName(users, lang)
	}

	phone := strings.TrimSpace(c.Lead.Phone)
	if phone == "" && !c.CallerWithheld() {
		if n, ok := NormalizePhone(c.CallerID); ok {
			phone = n
		}
	}

	subject, derivable := Subject(users, lang)

	outcome := OutcomeAbandoned
	if name != "" && (c.Lead.RequestPresent || derivable) {
		outcome = OutcomeFinal
	}

	return Payload{
		Event:          string(outcome),
		CallID:         c.CallID,
		StreamID:       c.StreamID,
		CallerID:       c.CallerID,
		CalleeID:       c.CalleeID,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
		DurationMS:     c.Duration().Milliseconds(),
		TranscriptText: c.TranscriptText(),
		Lead:           LeadPayload{Name: name, Phone: phone, Notes: subject},
		RecordingURL:   c.RecordingURL,
	}, outcome
}

// Config carries the finalizer collaborator settings.
type Config struct {
	// Language selects the name-phrase table ("he", "en").
	Language string

	// OnOutcome, when set, is called with the classification of every
	// finalized call.
	OnOutcome func(outcome string)

	Logger *slog.Logger
}

// Finalizer classifies calls and hands them to delivery and history. One
// instance serves all sessions.
type Finalizer struct {
	delivery  Delivery
	store     history.Store
	language  string
	onOutcome func(string)
	logger    *slog.Logger
}

// New creates a Finalizer. store may be nil when caller history is not
// configured.
func New(delivery Delivery, store history.Store, cfg Config) *Finalizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		delivery:  delivery,
		store:     store,
		language:  cfg.Language,
		onOutcome: cfg.OnOutcome,
		logger:    logger,
	}
}

// Announce delivers the CALL_LOG event for a call that just started.
// Best-effort: a delivery failure is logged and the call proceeds.
func (f *Finalizer) Announce(ctx context.Context, c *call.Context) {
	p := Payload{
		Event:     EventCallLog,
		CallID:    c.CallID,
		StreamID:  c.StreamID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		StartedAt: c.StartedAt,
	}
	if err := f.delivery.Deliver(ctx, p); err != nil {
		f.logger.Warn("finalize: call-log delivery failed",
			"callId", c.CallID,
			"error", err,
		)
	}
}

// Finalize classifies the call, delivers the outcome payload, and records
// it in history. Failures in one step are logged and never block the next;
// the classification is always returned.
func (f *Finalizer) Finalize(ctx context.Context, c *call.Context) Outcome {
	p, outcome := BuildPayload(c, f.language)
	if f.onOutcome != nil {
		f.onOutcome(string(outcome))
	}

	// A withheld caller can still be a repeat caller: match the stated name
	// against history and reuse the number they gave on an earlier call.
	if f.store != nil && c.CallerWithheld() && p.Lead.Name != "" && p.Lead.Phone == "" {
		known, err := f.store.FindSimilarName(ctx, p.Lead.Name)
		switch {
		case err != nil:
			f.logger.Warn("finalize: similar-name lookup failed",
				"callId", c.CallID,
				"error", err,
			)
		case known != nil && known.Phone != "":
			p.Lead.Phone = known.Phone
			f.logger.Info("finalize: withheld caller matched by name",
				"callId", c.CallID,
				"matchedName", known.Name,
			)
		}
	}

	if err := f.delivery.Deliver(ctx, p); err != nil {
		f.logger.Error("finalize: outcome delivery failed",
			"callId", c.CallID,
			"outcome", outcome,
			"error", err,
		)
	}

	if f.store != nil {
		rec := history.CallRecord{
			CallID:     c.CallID,
			CallerID:   c.CallerID,
			CalleeID:   c.CalleeID,
			StartedAt:  c.StartedAt,
			EndedAt:    c.EndedAt,
			Outcome:    string(outcome),
			LeadName:   p.Lead.Name,
			LeadPhone:  p.Lead.Phone,
			Transcript: p.TranscriptText,
		}
		if err := f.store.RecordCall(ctx, rec); err != nil {
			f.logger.Error("finalize: history record failed",
				"callId", c.CallID,
				"error", err,
			)
		}
	}

	f.logger.Info("call finalized",
		"callId", c.CallID,
		"outcome", outcome,
		"durationMs", p.DurationMS,
		"leadName", p.Lead.Name != "",
	)
	return outcome
}
