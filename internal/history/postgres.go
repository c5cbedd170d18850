package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// DB is the database access interface used by [Postgres]. *pgxpool.Pool
// satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    caller_id   TEXT         NOT NULL DEFAULT '',
    callee_id   TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    outcome     TEXT         NOT NULL,
    lead_name   TEXT         NOT NULL DEFAULT '',
    lead_phone  TEXT         NOT NULL DEFAULT '',
    transcript  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_call_id
    ON calls (call_id);

CREATE INDEX IF NOT EXISTS idx_calls_caller_id
    ON calls (caller_id);

CREATE INDEX IF NOT EXISTS idx_calls_lead_name
    ON calls (lead_name);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);
`

// Postgres is the PostgreSQL-backed Store. All methods are safe for
// concurrent use.
type Postgres struct {
	db DB
}

// NewPostgres wraps an existing database handle. Most callers want [Open],
// which also verifies the connection and runs the migration.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Open establishes a connection pool to the database at dsn, verifies it
// with a ping, and runs [Migrate] so the calls table exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return NewPostgres(pool), nil
}

// Migrate creates the calls table and its indexes. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to run
// on every application start.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("history: create calls schema: %w", err)
	}
	return nil
}

// RecordCall implements [Store].
func (p *Postgres) RecordCall(ctx context.Context, rec CallRecord) error {
	const q = `
		INSERT INTO calls
		    (call_id, caller_id, callee_id, started_at, ended_at, outcome, lead_name, lead_phone, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := p.db.Exec(ctx, q,
		rec.CallID,
		rec.CallerID,
		rec.CalleeID,
		rec.StartedAt,
		rec.EndedAt,
		rec.Outcome,
		rec.LeadName,
		rec.LeadPhone,
		rec.Transcript,
	)
	if err != nil {
		return fmt.Errorf("history: record call: %w", err)
	}
	return nil
}

// LookupCaller implements [Store]. The aggregate prefers the most recent
// non-empty name and phone across the caller's calls.
func (p *Postgres) LookupCaller(ctx context.Context, callerID string) (*Caller, error) {
	const q = `
		SELECT count(*),
		       max(ended_at),
		       COALESCE((SELECT lead_name  FROM calls WHERE caller_id = $1 AND lead_name  <> '' ORDER BY ended_at DESC LIMIT 1), ''),
		       COALESCE((SELECT lead_phone FROM calls WHERE caller_id = $1 AND lead_phone <> '' ORDER BY ended_at DESC LIMIT 1), '')
		FROM   calls
		WHERE  caller_id = $1`

	var (
		calls       int
		last        *time.Time
		name, phone string
	)
	if err := p.db.QueryRow(ctx, q, callerID).Scan(&calls, &last, &name, &phone); err != nil {
		return nil, fmt.Errorf("history: lookup caller: %w", err)
	}
	if calls == 0 {
		return nil, nil
	}
	c := &Caller{CallerID: callerID, Name: name, Phone: phone, Calls: calls}
	if last != nil {
		c.LastCall = *last
	}
	return c, nil
}

// FindSimilarName implements [Store]. Candidate names are grouped in SQL;
// the ranking itself runs in Go so the similarity scoring stays in one
// place (see rankNames).
func (p *Postgres) FindSimilarName(ctx context.Context, name string) (*Caller, error) {
	const q = `
		SELECT lead_name,
		       count(*),
		       max(ended_at),
		       COALESCE((array_agg(caller_id  ORDER BY ended_at DESC) FILTER (WHERE caller_id  <> ''))[1], ''),
		       COALESCE((array_agg(lead_phone ORDER BY ended_at DESC) FILTER (WHERE lead_phone <> ''))[1], '')
		FROM   calls
		WHERE  lead_name <> ''
		GROUP  BY lead_name
		ORDER  BY max(ended_at) DESC
		LIMIT  200`

	rows, err := p.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history: find similar name: %w", err)
	}
	defer rows.Close()

	var candidates []Caller
	for rows.Next() {
		var c Caller
		if err := rows.Scan(&c.Name, &c.Calls, &c.LastCall, &c.CallerID, &c.Phone); err != nil {
			return nil, fmt.Errorf("history: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate candidates: %w", err)
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	idx, _, ok := rankNames(name, names)
	if !ok {
		return nil, nil
	}
	best := candidates[idx]
	return &best, nil
}

// Ping verifies the database connection. Used by the readiness endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close implements [Store].
func (p *Postgres) Close() {
	p.db.Close()
}
