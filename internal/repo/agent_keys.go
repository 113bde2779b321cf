package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"actifix/internal/domain"
)

// HashAgentKey returns a stable SHA-256 hex digest for the provided key.
func HashAgentKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAgentKey stores a hashed agent key. KeyHash must already
// contain the hashed value; raw keys never touch the database.
func (r Repo) InsertAgentKey(ctx context.Context, key domain.AgentKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.AgentID == "" {
		return errors.New("agent_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = r.stamp(r.now())
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_keys(id, agent_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.AgentID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// GetAgentKeyByHash returns an agent key by its hashed value.
func (r Repo) GetAgentKeyByHash(ctx context.Context, hash string) (domain.AgentKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, agent_id, COALESCE(name,''), key_hash, created_at FROM agent_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.AgentKey
	err := row.Scan(&key.ID, &key.AgentID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.AgentKey{}, ErrNotFound
	}
	return key, err
}

// ListAgentKeys returns agent keys, optionally filtered by agent ID.
func (r Repo) ListAgentKeys(ctx context.Context, agentID string) ([]domain.AgentKey, error) {
	query := `SELECT id, agent_id, COALESCE(name,''), key_hash, created_at FROM agent_keys`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AgentKey
	for rows.Next() {
		var key domain.AgentKey
		if err := rows.Scan(&key.ID, &key.AgentID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAgentKey deletes an agent key by ID.
func (r Repo) DeleteAgentKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agent_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
