package store

import (
	"context"
	"time"

	"github.com/paseo-sh/paseo/internal/db"
)

// PushTokenRecord is one registered push-notification token.
type PushTokenRecord struct {
	Token      string
	Platform   string
	DeviceName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PushTokenRepository persists push-notification tokens. The host only
// stores them; delivery is an external collaborator.
type PushTokenRepository struct {
	pool *db.Pool
}

// Register inserts the token or refreshes its metadata when it already exists.
func (r *PushTokenRepository) Register(ctx context.Context, token, platform, deviceName string) error {
	now := time.Now().UTC()
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO push_tokens (token, platform, device_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			platform = excluded.platform,
			device_name = excluded.device_name,
			updated_at = excluded.updated_at
	`), token, platform, deviceName, now, now)
	return err
}

// List returns all registered tokens, oldest first.
func (r *PushTokenRepository) List(ctx context.Context) ([]*PushTokenRecord, error) {
	ro := r.pool.Reader()
	rows, err := ro.QueryContext(ctx, `
		SELECT token, platform, device_name, created_at, updated_at
		FROM push_tokens ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PushTokenRecord
	for rows.Next() {
		rec := &PushTokenRecord{}
		if err := rows.Scan(&rec.Token, &rec.Platform, &rec.DeviceName, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Delete removes a token.
func (r *PushTokenRepository) Delete(ctx context.Context, token string) error {
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM push_tokens WHERE token = ?`), token)
	return err
}
