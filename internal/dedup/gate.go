// Package dedup implements the idempotency guard for inbound request paths
// that an unreliable transport may deliver twice. A request is admitted by
// inserting a row keyed by its identity; the storage layer's uniqueness
// constraint makes exactly one of any set of racing duplicates win. The losers
// see a unique violation and silently stop — no error is surfaced, because a
// duplicate is an expected outcome, not a failure.
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stickersearch/moderation/internal/db"
	"github.com/stickersearch/moderation/internal/metrics"
)

// Query is the identity of one paginated search conversation. Continuation
// requests carry the query's id so their offsets can be deduplicated against
// it.
type Query struct {
	ID        uuid.UUID
	Query     string
	UserID    int64
	CreatedAt time.Time
}

// Gate deduplicates inbound requests against PostgreSQL.
type Gate struct {
	db *sql.DB
}

// NewGate creates a gate backed by the given database handle.
func NewGate(conn *sql.DB) *Gate {
	return &Gate{db: conn}
}

// CreateQuery registers a fresh search conversation and returns its identity.
// The first request of a conversation has no id yet; every continuation
// refers back to the returned one.
func (g *Gate) CreateQuery(ctx context.Context, queryText string, userID int64) (*Query, error) {
	q := &Query{ID: uuid.New(), Query: queryText, UserID: userID}

	const insert = `
		INSERT INTO search_queries (id, query, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := g.db.QueryRowContext(ctx, insert, q.ID, q.Query, q.UserID).Scan(&q.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("dedup: create query: %w", err)
	}
	return q, nil
}

// GetQuery fetches a search conversation by id. Returns db.ErrNotFound for an
// unknown id.
func (g *Gate) GetQuery(ctx context.Context, id uuid.UUID) (*Query, error) {
	const query = `
		SELECT id, query, user_id, created_at
		FROM search_queries
		WHERE id = $1`

	q := &Query{}
	err := g.db.QueryRowContext(ctx, query, id).Scan(&q.ID, &q.Query, &q.UserID, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: get query %s: %w", id, err)
	}
	return q, nil
}

// AdmitOnce records that the given (query, offset) request is being processed.
// It returns true exactly once per key: the caller that gets false must stop
// processing the request without reporting an error upstream, because a
// sibling delivery already handled (or is handling) it.
func (g *Gate) AdmitOnce(ctx context.Context, queryID uuid.UUID, offset int) (bool, error) {
	const insert = `
		INSERT INTO query_requests (query_id, page_offset)
		VALUES ($1, $2)`

	if _, err := g.db.ExecContext(ctx, insert, queryID, offset); err != nil {
		if db.IsUniqueViolation(err) {
			metrics.DuplicateRequests.Inc()
			return false, nil
		}
		return false, fmt.Errorf("dedup: admit %s/%d: %w", queryID, offset, err)
	}
	return true, nil
}
