package journal

import (
	"context"
	"fmt"

	"github.com/roach88/feedbackd/internal/engine"
)

// Record appends one lifecycle entry. Duplicate seq values are ignored so
// a replayed write is harmless.
func (s *Store) Record(ctx context.Context, e engine.Entry) error {
	props, hash, err := marshalProperties(e.Properties)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	sinks, err := marshalSinks(e.Sinks)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries
		(seq, request_id, token, event, kind, sinks, code, fallback, properties, properties_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		e.Seq,
		e.RequestID,
		e.Token,
		e.Event,
		string(e.Kind),
		sinks,
		string(e.Code),
		e.Fallback,
		props,
		hash,
	)
	if err != nil {
		return fmt.Errorf("record entry: %w", err)
	}
	return nil
}
