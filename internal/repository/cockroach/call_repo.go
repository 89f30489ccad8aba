package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wavelink-backend/internal/domain"
	apperrors "wavelink-backend/pkg/errors"
)

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create creates a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, caller_id, callee_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ConversationID,
		call.CallerID,
		call.CalleeID,
		call.Type,
		call.Status,
		call.StartedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type, status,
		       started_at, accepted_at, ended_at
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.CalleeID,
		&call.Type,
		&call.Status,
		&call.StartedAt,
		&call.AcceptedAt,
		&call.EndedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NotFoundError("call")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// ActiveByConversation retrieves the single non-ended call in a conversation,
// if any. Returns (nil, nil) when no call is active.
func (r *CallRepository) ActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, caller_id, callee_id, call_type, status,
		       started_at, accepted_at, ended_at
		FROM calls
		WHERE conversation_id = $1 AND status != 'ended'
		ORDER BY started_at DESC
		LIMIT 1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.CallerID,
		&call.CalleeID,
		&call.Type,
		&call.Status,
		&call.StartedAt,
		&call.AcceptedAt,
		&call.EndedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active call: %w", err)
	}

	return call, nil
}

// MarkAccepted moves a call from ringing to accepted. The conditional WHERE
// makes the transition monotonic under concurrent accepts: only the request
// that actually flips the row observes transitioned=true.
func (r *CallRepository) MarkAccepted(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'accepted', accepted_at = $2
		WHERE call_id = $1 AND status = 'ringing'
	`

	tag, err := r.pool.Exec(ctx, query, callID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark call accepted: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkEnded moves a call to the terminal ended status. Ending an already
// ended call affects zero rows and reports transitioned=false.
func (r *CallRepository) MarkEnded(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE calls
		SET status = 'ended', ended_at = $2
		WHERE call_id = $1 AND status != 'ended'
	`

	tag, err := r.pool.Exec(ctx, query, callID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark call ended: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// EndActiveInConversation force-ends every non-ended call in a conversation
// and returns the ids of the calls it closed.
func (r *CallRepository) EndActiveInConversation(ctx context.Context, conversationID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE calls
		SET status = 'ended', ended_at = $2
		WHERE conversation_id = $1 AND status != 'ended'
		RETURNING call_id
	`

	rows, err := r.pool.Query(ctx, query, conversationID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to end active calls: %w", err)
	}
	defer rows.Close()

	var ended []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ended call id: %w", err)
		}
		ended = append(ended, id)
	}

	return ended, rows.Err()
}
