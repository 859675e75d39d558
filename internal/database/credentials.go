package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/encryption"
)

// CredentialStore reads and writes credential rows. It implements
// credential.Persister so the in-memory pool writes through to it.
// With a non-nil sealer, session and access tokens are encrypted at
// rest; rows written before a key was configured load unchanged.
type CredentialStore struct {
	db     *DB
	sealer *encryption.Sealer
}

// NewCredentialStore creates a store over an open database. A nil sealer
// stores tokens as received.
func NewCredentialStore(db *DB, sealer *encryption.Sealer) *CredentialStore {
	return &CredentialStore{db: db, sealer: sealer}
}

func (s *CredentialStore) seal(v string) (string, error) {
	if s.sealer == nil {
		return v, nil
	}
	return s.sealer.Seal(v)
}

func (s *CredentialStore) open(v string) (string, error) {
	if s.sealer == nil {
		return v, nil
	}
	return s.sealer.Open(v)
}

// InsertCredential creates a new row for a session token and returns the
// assigned id. The caller seeds the in-memory pool with the result.
func (s *CredentialStore) InsertCredential(ctx context.Context, sessionToken string) (int64, error) {
	sessionToken, err := s.seal(sessionToken)
	if err != nil {
		return 0, fmt.Errorf("seal session token: %w", err)
	}
	now := time.Now().UTC()
	switch s.db.driver {
	case DriverMySQL:
		res, err := s.db.db.ExecContext(ctx,
			`INSERT INTO credentials (session_token, enabled, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			sessionToken, true, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		return id, nil
	case DriverPostgres:
		var id int64
		err := s.db.db.QueryRowContext(ctx,
			`INSERT INTO credentials (session_token, enabled, created_at, updated_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			sessionToken, true, now, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		return id, nil
	default:
		var id int64
		err := s.db.db.QueryRowContext(ctx,
			`INSERT INTO credentials (session_token, enabled, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id`,
			sessionToken, true, now, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
		return id, nil
	}
}

// SaveCredential upserts the full row keyed by id.
func (s *CredentialStore) SaveCredential(ctx context.Context, cred credential.Credential) error {
	sessionToken, err := s.seal(cred.SessionToken)
	if err != nil {
		return fmt.Errorf("seal session token: %w", err)
	}
	accessToken, err := s.seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	var query string
	switch s.db.driver {
	case DriverPostgres:
		query = `
			INSERT INTO credentials (id, session_token, access_token, access_token_expiry, credits,
				paygate_tier, project_id, enabled, error_count, ban_kind, ban_expires,
				last_used_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				session_token = EXCLUDED.session_token,
				access_token = EXCLUDED.access_token,
				access_token_expiry = EXCLUDED.access_token_expiry,
				credits = EXCLUDED.credits,
				paygate_tier = EXCLUDED.paygate_tier,
				project_id = EXCLUDED.project_id,
				enabled = EXCLUDED.enabled,
				error_count = EXCLUDED.error_count,
				ban_kind = EXCLUDED.ban_kind,
				ban_expires = EXCLUDED.ban_expires,
				last_used_at = EXCLUDED.last_used_at,
				updated_at = EXCLUDED.updated_at`
	case DriverMySQL:
		query = `
			INSERT INTO credentials (id, session_token, access_token, access_token_expiry, credits,
				paygate_tier, project_id, enabled, error_count, ban_kind, ban_expires,
				last_used_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				session_token = VALUES(session_token),
				access_token = VALUES(access_token),
				access_token_expiry = VALUES(access_token_expiry),
				credits = VALUES(credits),
				paygate_tier = VALUES(paygate_tier),
				project_id = VALUES(project_id),
				enabled = VALUES(enabled),
				error_count = VALUES(error_count),
				ban_kind = VALUES(ban_kind),
				ban_expires = VALUES(ban_expires),
				last_used_at = VALUES(last_used_at),
				updated_at = VALUES(updated_at)`
	default:
		query = `
			INSERT INTO credentials (id, session_token, access_token, access_token_expiry, credits,
				paygate_tier, project_id, enabled, error_count, ban_kind, ban_expires,
				last_used_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				session_token = excluded.session_token,
				access_token = excluded.access_token,
				access_token_expiry = excluded.access_token_expiry,
				credits = excluded.credits,
				paygate_tier = excluded.paygate_tier,
				project_id = excluded.project_id,
				enabled = excluded.enabled,
				error_count = excluded.error_count,
				ban_kind = excluded.ban_kind,
				ban_expires = excluded.ban_expires,
				last_used_at = excluded.last_used_at,
				updated_at = excluded.updated_at`
	}

	_, err = s.db.db.ExecContext(ctx, query,
		cred.ID, sessionToken, accessToken, nullTime(cred.AccessTokenExpiry),
		cred.Credits, cred.PaygateTier, cred.ProjectID, cred.Enabled, cred.ErrorCount,
		string(cred.Ban), nullTimePtr(cred.BanExpires), nullTime(cred.LastUsedAt),
		cred.CreatedAt.UTC(), cred.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save credential %d: %w", cred.ID, err)
	}
	return nil
}

// DeleteCredential removes a row. Deleting an unknown id is not an error.
func (s *CredentialStore) DeleteCredential(ctx context.Context, id int64) error {
	query := `DELETE FROM credentials WHERE id = ?`
	if s.db.driver == DriverPostgres {
		query = `DELETE FROM credentials WHERE id = $1`
	}
	if _, err := s.db.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted credential, used to seed the pool at boot.
func (s *CredentialStore) LoadAll(ctx context.Context) ([]credential.Credential, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, session_token, access_token, access_token_expiry, credits,
			paygate_tier, project_id, enabled, error_count, ban_kind, ban_expires,
			last_used_at, created_at, updated_at
		FROM credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		var (
			c          credential.Credential
			banKind    string
			expiry     sql.NullTime
			banExpires sql.NullTime
			lastUsed   sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.SessionToken, &c.AccessToken, &expiry, &c.Credits,
			&c.PaygateTier, &c.ProjectID, &c.Enabled, &c.ErrorCount, &banKind, &banExpires,
			&lastUsed, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		if c.SessionToken, err = s.open(c.SessionToken); err != nil {
			return nil, fmt.Errorf("open session token for credential %d: %w", c.ID, err)
		}
		if c.AccessToken, err = s.open(c.AccessToken); err != nil {
			return nil, fmt.Errorf("open access token for credential %d: %w", c.ID, err)
		}
		c.Ban = credential.BanKind(banKind)
		if expiry.Valid {
			c.AccessTokenExpiry = expiry.Time
		}
		if banExpires.Valid {
			t := banExpires.Time
			c.BanExpires = &t
		}
		if lastUsed.Valid {
			c.LastUsedAt = lastUsed.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
