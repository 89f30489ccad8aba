package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"wavelink-backend/internal/domain"
)

// SignalRepository handles the per-recipient signal mailbox in Cassandra.
// Rows are partitioned by (call_id, to_user_id) and clustered by created_at
// DESC, so a recipient's history for one call is a single-partition read.
type SignalRepository struct {
	session *gocql.Session
}

// NewSignalRepository creates a new SignalRepository
func NewSignalRepository(session *gocql.Session) *SignalRepository {
	return &SignalRepository{session: session}
}

// Append inserts a signal into the recipient's mailbox. Signals are
// append-only: there is no update or delete path.
func (r *SignalRepository) Append(ctx context.Context, signal *domain.Signal) error {
	if signal.SignalID == uuid.Nil {
		signal.SignalID = uuid.New()
	}

	query := `
		INSERT INTO call_signals (
			call_id, to_user_id, created_at, signal_id, from_user_id,
			signal_type, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		signal.CallID,
		signal.ToUserID,
		signal.CreatedAt,
		signal.SignalID,
		signal.FromUserID,
		signal.Type,
		signal.Payload,
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}

	return nil
}

// ListForRecipient retrieves up to limit signals addressed to one user for
// one call, newest first. The clustering order makes this the natural read.
func (r *SignalRepository) ListForRecipient(ctx context.Context, callID, toUserID uuid.UUID, limit int) ([]*domain.Signal, error) {
	query := `
		SELECT call_id, to_user_id, created_at, signal_id, from_user_id,
		       signal_type, payload
		FROM call_signals
		WHERE call_id = ? AND to_user_id = ?
		LIMIT ?
	`

	iter := r.session.Query(query, callID, toUserID, limit).WithContext(ctx).Iter()

	var signals []*domain.Signal
	for {
		signal := &domain.Signal{}
		if !iter.Scan(
			&signal.CallID,
			&signal.ToUserID,
			&signal.CreatedAt,
			&signal.SignalID,
			&signal.FromUserID,
			&signal.Type,
			&signal.Payload,
		) {
			break
		}
		signals = append(signals, signal)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch signals: %w", err)
	}

	return signals, nil
}
