package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/paseo-sh/paseo/internal/db"
)

// TimelineItemRecord is one persisted timeline entry. Payload holds the
// JSON-encoded item; the type column is denormalized for cheap filtering.
type TimelineItemRecord struct {
	AgentID   string
	Epoch     int64
	Seq       int64
	ItemType  string
	Payload   []byte
	CreatedAt time.Time
}

// TimelineRepository persists the append-only per-agent timeline shards.
type TimelineRepository struct {
	pool *db.Pool
}

// Append writes one item. (agent_id, epoch, seq) must be unique; the caller
// owns sequence allocation.
func (r *TimelineRepository) Append(ctx context.Context, rec *TimelineItemRecord) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO timeline_items (agent_id, epoch, seq, item_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rec.AgentID, rec.Epoch, rec.Seq, rec.ItemType, string(rec.Payload), rec.CreatedAt)
	return err
}

// Tail returns the last limit items for the agent in ascending
// (epoch, seq) order.
func (r *TimelineRepository) Tail(ctx context.Context, agentID string, limit int) ([]*TimelineItemRecord, error) {
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT agent_id, epoch, seq, item_type, payload, created_at FROM (
			SELECT agent_id, epoch, seq, item_type, payload, created_at
			FROM timeline_items
			WHERE agent_id = ?
			ORDER BY epoch DESC, seq DESC
			LIMIT ?
		) latest
		ORDER BY epoch ASC, seq ASC
	`), agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTimelineItems(rows)
}

// After returns items within the given epoch with seq strictly greater than
// afterSeq, ascending. limit <= 0 returns all of them.
func (r *TimelineRepository) After(ctx context.Context, agentID string, epoch, afterSeq int64, limit int) ([]*TimelineItemRecord, error) {
	query := `
		SELECT agent_id, epoch, seq, item_type, payload, created_at
		FROM timeline_items
		WHERE agent_id = ? AND epoch = ? AND seq > ?
		ORDER BY seq ASC`
	args := []interface{}{agentID, epoch, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTimelineItems(rows)
}

// MaxCursor returns the agent's highest (epoch, seq). found is false when
// the agent has no persisted items.
func (r *TimelineRepository) MaxCursor(ctx context.Context, agentID string) (epoch, seq int64, found bool, err error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT epoch, seq FROM timeline_items
		WHERE agent_id = ?
		ORDER BY epoch DESC, seq DESC
		LIMIT 1
	`), agentID)
	if err := row.Scan(&epoch, &seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	return epoch, seq, true, nil
}

// DeleteAgentItems removes every persisted item for the agent.
func (r *TimelineRepository) DeleteAgentItems(ctx context.Context, agentID string) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM timeline_items WHERE agent_id = ?`), agentID)
	return err
}

func scanTimelineItems(rows *sql.Rows) ([]*TimelineItemRecord, error) {
	var result []*TimelineItemRecord
	for rows.Next() {
		rec := &TimelineItemRecord{}
		var payload string
		if err := rows.Scan(&rec.AgentID, &rec.Epoch, &rec.Seq, &rec.ItemType, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		result = append(result, rec)
	}
	return result, rows.Err()
}
