package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/feedbackd/internal/engine"
)

// Summary describes one client-visible request in the journal.
type Summary struct {
	Token     string           `json:"token"`
	Event     string           `json:"event"`
	RequestID uint32           `json:"request_id"`
	FirstSeq  int64            `json:"first_seq"`
	LastSeq   int64            `json:"last_seq"`
	Failures  int              `json:"failures"`
	Fallback  bool             `json:"fallback"`
	LastKind  engine.EntryKind `json:"last_kind"`
}

// Done reports whether the request has reached its terminal entry.
func (s Summary) Done() bool { return s.LastKind == engine.EntryFinished }

// ReadToken returns every entry for token ordered by seq.
// Returns an empty slice (not nil) when nothing was recorded.
func (s *Store) ReadToken(ctx context.Context, token string) ([]engine.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, token, event, kind, sinks, code, fallback, properties
		FROM entries
		WHERE token = ?
		ORDER BY seq ASC
	`, token)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// Recent summarizes the limit most recently active requests, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.token, e.event, e.request_id, MIN(e.seq), MAX(e.seq),
		       SUM(CASE WHEN e.kind = 'failed' THEN 1 ELSE 0 END),
		       MAX(e.fallback),
		       (SELECT l.kind FROM entries l WHERE l.token = e.token ORDER BY l.seq DESC LIMIT 1)
		FROM entries e
		GROUP BY e.token
		ORDER BY MAX(e.seq) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum      Summary
			fallback int
			lastKind string
		)
		if err := rows.Scan(&sum.Token, &sum.Event, &sum.RequestID, &sum.FirstSeq, &sum.LastSeq,
			&sum.Failures, &fallback, &lastKind); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Fallback = fallback != 0
		sum.LastKind = engine.EntryKind(lastKind)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest recorded seq, or 0 for an empty journal.
// The daemon resumes its clock from it so seq stays unique across restarts.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (engine.Entry, error) {
	var (
		e        engine.Entry
		kind     string
		sinks    string
		code     string
		fallback bool
		props    string
	)
	if err := row.Scan(&e.Seq, &e.RequestID, &e.Token, &e.Event, &kind, &sinks, &code, &fallback, &props); err != nil {
		return engine.Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.Kind = engine.EntryKind(kind)
	e.Code = engine.FailureCode(code)
	e.Fallback = fallback

	var err error
	if e.Sinks, err = unmarshalSinks(sinks); err != nil {
		return engine.Entry{}, err
	}
	if e.Properties, err = unmarshalProperties(props); err != nil {
		return engine.Entry{}, err
	}
	return e, nil
}
