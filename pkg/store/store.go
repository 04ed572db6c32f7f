// Package store persists connection records in Postgres. Status changes are
// compare-and-set: every UPDATE carries the set of legal source statuses from
// the lifecycle tables, so concurrent writers cannot produce an illegal
// transition.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"toolgate/pkg/lifecycle"
)

// OAuthConnection is one user↔provider link managed by the identity broker.
// No token material is stored; the broker holds the tokens and we hold only
// the reference.
type OAuthConnection struct {
	ID                 string                `json:"id"`
	UserID             string                `json:"user_id"`
	Provider           string                `json:"provider"`
	Status             lifecycle.OAuthStatus `json:"status"`
	BrokerConnectionID string                `json:"-"`
	AccountLabel       string                `json:"connected_account_label,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// DatabaseConnection is one user-owned database with encrypted credentials.
// Ciphertext is populated only by GetDatabase; listings never carry it.
type DatabaseConnection struct {
	ID         string                   `json:"id"`
	UserID     string                   `json:"user_id"`
	DBType     string                   `json:"db_type"`
	Name       string                   `json:"name"`
	Status     lifecycle.DatabaseStatus `json:"status"`
	LastError  string                   `json:"last_error,omitempty"`
	Ciphertext []byte                   `json:"-"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Store manages connection records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new connection store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ──────────────────────────────────────────────────────────────────────────────
// OAuth connections
// ──────────────────────────────────────────────────────────────────────────────

// UpsertOAuthPending creates a fresh pending record for (user, provider),
// superseding any previous record. This is the only path back to pending.
func (s *Store) UpsertOAuthPending(ctx context.Context, userID, provider string) (*OAuthConnection, error) {
	if userID == "" || provider == "" {
		return nil, fmt.Errorf("store.UpsertOAuthPending: user_id and provider are required")
	}
	now := time.Now().UTC()
	c := &OAuthConnection{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		Status:    lifecycle.OAuthPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_connections (id, user_id, provider, status, broker_connection_id, connected_account_label, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'','',$5,$5)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET id = EXCLUDED.id,
		    status = EXCLUDED.status,
		    broker_connection_id = '',
		    connected_account_label = '',
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.Provider, c.Status, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store.UpsertOAuthPending: %w", err)
	}
	return c, nil
}

// ActivateOAuth moves a pending record to active and attaches the broker's
// connection reference and the linked account's label. Returns false if the
// record was not pending (expired by the sweeper, superseded, or already
// activated).
func (s *Store) ActivateOAuth(ctx context.Context, userID, provider, brokerConnectionID, accountLabel string) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE oauth_connections
		SET status = $4, broker_connection_id = $5, connected_account_label = $6, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND status = ANY($3)`,
		userID, provider, lifecycle.OAuthSources(lifecycle.OAuthActive),
		lifecycle.OAuthActive, brokerConnectionID, accountLabel,
	)
	if err != nil {
		return false, fmt.Errorf("store.ActivateOAuth: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// UpdateOAuthStatus applies a lifecycle transition. Returns false if the
// current status does not permit the move.
func (s *Store) UpdateOAuthStatus(ctx context.Context, userID, provider string, to lifecycle.OAuthStatus) (bool, error) {
	sources := lifecycle.OAuthSources(to)
	if len(sources) == 0 {
		return false, fmt.Errorf("store.UpdateOAuthStatus: no legal transition into %s", to)
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE oauth_connections
		SET status = $4, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND status = ANY($3)`,
		userID, provider, sources, to,
	)
	if err != nil {
		return false, fmt.Errorf("store.UpdateOAuthStatus: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// GetOAuth fetches one record, or nil if absent.
func (s *Store) GetOAuth(ctx context.Context, userID, provider string) (*OAuthConnection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider, status, broker_connection_id, connected_account_label, created_at, updated_at
		FROM oauth_connections WHERE user_id = $1 AND provider = $2`, userID, provider)

	c := &OAuthConnection{}
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.Status, &c.BrokerConnectionID, &c.AccountLabel, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetOAuth: %w", err)
	}
	return c, nil
}

// ListOAuth returns all of a user's OAuth records, newest first.
func (s *Store) ListOAuth(ctx context.Context, userID string) ([]OAuthConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, provider, status, broker_connection_id, connected_account_label, created_at, updated_at
		FROM oauth_connections
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListOAuth: %w", err)
	}
	defer rows.Close()

	out := make([]OAuthConnection, 0)
	for rows.Next() {
		var c OAuthConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.Status, &c.BrokerConnectionID, &c.AccountLabel, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store.ListOAuth scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListOAuth iteration: %w", err)
	}
	return out, nil
}

// DeleteOAuth removes a record outright. Used when a force reauth supersedes
// a connection before the new pending row is written.
func (s *Store) DeleteOAuth(ctx context.Context, userID, provider string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_connections WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("store.DeleteOAuth: %w", err)
	}
	return nil
}

// ExpireStalePending marks pending records older than the cutoff as expired.
// Returns the number of records moved.
func (s *Store) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE oauth_connections
		SET status = $2, updated_at = NOW()
		WHERE status = $1 AND updated_at < NOW() - $3::interval`,
		lifecycle.OAuthPending, lifecycle.OAuthExpired,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("store.ExpireStalePending: %w", err)
	}
	return res.RowsAffected(), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Database connections
// ──────────────────────────────────────────────────────────────────────────────

// UpsertDatabase writes a connected record with fresh ciphertext, replacing
// any record with the same (user, type, name). Reconnecting after an error is
// the same operation.
func (s *Store) UpsertDatabase(ctx context.Context, userID, dbType, name string, ciphertext []byte) (*DatabaseConnection, error) {
	if userID == "" || dbType == "" || name == "" {
		return nil, fmt.Errorf("store.UpsertDatabase: user_id, db_type, and name are required")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("store.UpsertDatabase: ciphertext is required")
	}
	now := time.Now().UTC()
	c := &DatabaseConnection{
		ID:        uuid.NewString(),
		UserID:    userID,
		DBType:    dbType,
		Name:      name,
		Status:    lifecycle.DatabaseConnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// The id is kept stable on reconnect so existing db_query_<id> tool
	// names keep working.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO database_connections (id, user_id, db_type, name, status, last_error, credentials, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'',$6,$7,$7)
		ON CONFLICT (user_id, db_type, name) DO UPDATE
		SET status = EXCLUDED.status,
		    last_error = '',
		    credentials = EXCLUDED.credentials,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		c.ID, c.UserID, c.DBType, c.Name, c.Status, ciphertext, now,
	)
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("store.UpsertDatabase: %w", err)
	}
	return c, nil
}

// GetDatabase fetches one record with its ciphertext, scoped to the owner.
// Returns nil if the id does not exist or belongs to another user.
func (s *Store) GetDatabase(ctx context.Context, userID, id string) (*DatabaseConnection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, db_type, name, status, last_error, credentials, created_at, updated_at
		FROM database_connections WHERE user_id = $1 AND id = $2`, userID, id)

	c := &DatabaseConnection{}
	err := row.Scan(&c.ID, &c.UserID, &c.DBType, &c.Name, &c.Status, &c.LastError, &c.Ciphertext, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetDatabase: %w", err)
	}
	return c, nil
}

// ListDatabases returns a user's database records without ciphertext.
func (s *Store) ListDatabases(ctx context.Context, userID string) ([]DatabaseConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, db_type, name, status, last_error, created_at, updated_at
		FROM database_connections
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListDatabases: %w", err)
	}
	defer rows.Close()

	out := make([]DatabaseConnection, 0)
	for rows.Next() {
		var c DatabaseConnection
		if err := rows.Scan(&c.ID, &c.UserID, &c.DBType, &c.Name, &c.Status, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store.ListDatabases scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ListDatabases iteration: %w", err)
	}
	return out, nil
}

// UpdateDatabaseStatus applies a lifecycle transition. Disconnecting also
// purges the stored ciphertext. Returns false if the current status does not
// permit the move.
func (s *Store) UpdateDatabaseStatus(ctx context.Context, userID, id string, to lifecycle.DatabaseStatus, lastErr string) (bool, error) {
	sources := lifecycle.DatabaseSources(to)
	if len(sources) == 0 {
		return false, fmt.Errorf("store.UpdateDatabaseStatus: no legal transition into %s", to)
	}

	query := `
		UPDATE database_connections
		SET status = $4, last_error = $5, updated_at = NOW()
		WHERE user_id = $1 AND id = $2 AND status = ANY($3)`
	if to == lifecycle.DatabaseDisconnected {
		query = `
		UPDATE database_connections
		SET status = $4, last_error = $5, credentials = ''::bytea, updated_at = NOW()
		WHERE user_id = $1 AND id = $2 AND status = ANY($3)`
	}

	res, err := s.pool.Exec(ctx, query, userID, id, sources, to, lastErr)
	if err != nil {
		return false, fmt.Errorf("store.UpdateDatabaseStatus: %w", err)
	}
	return res.RowsAffected() > 0, nil
}
