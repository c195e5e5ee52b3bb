package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paseo-sh/paseo/internal/db"
	"github.com/paseo-sh/paseo/internal/db/dialect"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AgentRecord is the persisted snapshot of an agent. Runtime-only state
// (pending permissions, the live provider process) is not stored; it is
// rebuilt on rehydration.
type AgentRecord struct {
	ID                string
	Provider          string
	Cwd               string
	Title             string
	Status            string
	ModeID            string
	Model             string
	ThinkingOptionID  string
	ProviderSessionID string
	Epoch             int64
	Labels            map[string]string
	LastError         string
	ArchivedAt        *time.Time
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

// AgentRepository persists agent snapshots.
type AgentRepository struct {
	pool   *db.Pool
	driver string
}

const agentColumns = `id, provider, cwd, title, status, mode_id, model, thinking_option_id,
	provider_session_id, epoch, labels, last_error, archived_at, created_at, last_activity_at`

// Save inserts or replaces the agent snapshot.
func (r *AgentRepository) Save(ctx context.Context, rec *AgentRecord) error {
	labels, err := marshalLabels(rec.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			provider = excluded.provider,
			cwd = excluded.cwd,
			title = excluded.title,
			status = excluded.status,
			mode_id = excluded.mode_id,
			model = excluded.model,
			thinking_option_id = excluded.thinking_option_id,
			provider_session_id = excluded.provider_session_id,
			epoch = excluded.epoch,
			labels = excluded.labels,
			last_error = excluded.last_error,
			archived_at = excluded.archived_at,
			last_activity_at = excluded.last_activity_at
	`), rec.ID, rec.Provider, rec.Cwd, rec.Title, rec.Status, rec.ModeID, rec.Model,
		rec.ThinkingOptionID, rec.ProviderSessionID, rec.Epoch, labels, rec.LastError,
		rec.ArchivedAt, rec.CreatedAt, rec.LastActivityAt)
	return err
}

// Get returns the agent snapshot by id, or ErrNotFound.
func (r *AgentRepository) Get(ctx context.Context, id string) (*AgentRecord, error) {
	ro := r.pool.Reader()
	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`), id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns all agent snapshots, oldest first. Archived agents are
// included only when includeArchived is set.
func (r *AgentRepository) List(ctx context.Context, includeArchived bool) ([]*AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ListUserFacing returns non-archived agents whose labels carry ui == "true".
func (r *AgentRepository) ListUserFacing(ctx context.Context) ([]*AgentRecord, error) {
	ro := r.pool.Reader()
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE archived_at IS NULL AND ` + dialect.JSONExtract(r.driver, "labels", "ui") + ` = 'true'
		ORDER BY created_at ASC`

	rows, err := ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Delete removes the agent snapshot and its timeline items.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	w := r.pool.Writer()
	result, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	_, err = w.ExecContext(ctx, w.Rebind(`DELETE FROM timeline_items WHERE agent_id = ?`), id)
	return err
}

func scanAgent(scanner interface {
	Scan(dest ...interface{}) error
}) (*AgentRecord, error) {
	rec := &AgentRecord{}
	var labels string
	var archivedAt sql.NullTime
	if err := scanner.Scan(
		&rec.ID,
		&rec.Provider,
		&rec.Cwd,
		&rec.Title,
		&rec.Status,
		&rec.ModeID,
		&rec.Model,
		&rec.ThinkingOptionID,
		&rec.ProviderSessionID,
		&rec.Epoch,
		&labels,
		&rec.LastError,
		&archivedAt,
		&rec.CreatedAt,
		&rec.LastActivityAt,
	); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		rec.ArchivedAt = &t
	}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	return rec, nil
}

func marshalLabels(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
