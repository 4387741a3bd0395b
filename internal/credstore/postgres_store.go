package credstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists credentials in a single table, soft-deleting via
// a nullable deleted_at column. Change detection compares max(updated_at)
// across successive polls rather than mtime+size.
type PostgresStore struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewPostgresStore wraps an already-configured pool. tableName defaults
// to "credentials".
func NewPostgresStore(pool *pgxpool.Pool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "credentials"
	}
	return &PostgresStore{pool: pool, tableName: tableName}
}

func (s *PostgresStore) List(ctx context.Context) ([]Credential, error) {
	query := fmt.Sprintf(`
		SELECT id, access_token, refresh_token, profile_arn, expires_at,
		       auth_method, client_id, client_secret, priority, region,
		       machine_id, updated_at
		FROM %s
		WHERE deleted_at IS NULL
		ORDER BY priority ASC, id ASC`, s.tableName)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("credstore: list query failed: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var (
			c            Credential
			id           int64
			accessToken  *string
			profileArn   *string
			expiresAt    *time.Time
			clientID     *string
			clientSecret *string
			region       *string
			machineID    *string
		)
		if err := rows.Scan(&id, &accessToken, &c.RefreshToken, &profileArn, &expiresAt,
			&c.AuthMethod, &clientID, &clientSecret, &c.Priority, &region, &machineID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("credstore: failed to scan row: %w", err)
		}
		c.ID = fmt.Sprintf("%d", id)
		if accessToken != nil {
			c.AccessToken = *accessToken
		}
		if profileArn != nil {
			c.ProfileArn = *profileArn
		}
		if expiresAt != nil {
			c.ExpiresAt = *expiresAt
		}
		if clientID != nil {
			c.ClientID = *clientID
		}
		if clientSecret != nil {
			c.ClientSecret = *clientSecret
		}
		if region != nil {
			c.Region = *region
		}
		if machineID != nil {
			c.MachineID = *machineID
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credstore: row iteration failed: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET access_token = $1,
		    expires_at = $2,
		    profile_arn = COALESCE($3, profile_arn),
		    refresh_token = COALESCE(NULLIF($4, ''), refresh_token),
		    updated_at = now()
		WHERE id = $5 AND deleted_at IS NULL`, s.tableName)

	var profileArn *string
	if patch.ProfileArn != nil {
		profileArn = patch.ProfileArn
	}
	var rotated string
	if patch.RotatedRefreshToken != nil {
		rotated = *patch.RotatedRefreshToken
	}

	tag, err := s.pool.Exec(ctx, query, patch.AccessToken, patch.ExpiresAt, profileArn, rotated, id)
	if err != nil {
		return fmt.Errorf("credstore: update query failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credstore: no credential with id %q", id)
	}
	return nil
}

func (s *PostgresStore) Fingerprint(ctx context.Context) (Fingerprint, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(updated_at), to_timestamp(0)) FROM %s WHERE deleted_at IS NULL`, s.tableName)

	var max time.Time
	if err := s.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return "", fmt.Errorf("credstore: fingerprint query failed: %w", err)
	}
	return Fingerprint(max.Format(time.RFC3339Nano)), nil
}
