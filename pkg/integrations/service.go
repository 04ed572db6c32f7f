// Package integrations implements the connection lifecycle: starting and
// completing OAuth flows through the identity broker, and registering user
// databases with encrypted credentials.
package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"toolgate/pkg/broker"
	"toolgate/pkg/dbexec"
	"toolgate/pkg/events"
	"toolgate/pkg/lifecycle"
	"toolgate/pkg/providers"
	"toolgate/pkg/session"
	"toolgate/pkg/store"
	"toolgate/pkg/types"
)

// CallbackPath is where the broker redirects the user's browser after
// authorization. The session token rides in the query string.
const CallbackPath = "/v1/integrations/callback"

// ConnectionStore is the slice of the store the service uses.
type ConnectionStore interface {
	UpsertOAuthPending(ctx context.Context, userID, provider string) (*store.OAuthConnection, error)
	ActivateOAuth(ctx context.Context, userID, provider, brokerConnectionID, accountLabel string) (bool, error)
	UpdateOAuthStatus(ctx context.Context, userID, provider string, to lifecycle.OAuthStatus) (bool, error)
	GetOAuth(ctx context.Context, userID, provider string) (*store.OAuthConnection, error)
	ListOAuth(ctx context.Context, userID string) ([]store.OAuthConnection, error)
	DeleteOAuth(ctx context.Context, userID, provider string) error

	UpsertDatabase(ctx context.Context, userID, dbType, name string, ciphertext []byte) (*store.DatabaseConnection, error)
	GetDatabase(ctx context.Context, userID, id string) (*store.DatabaseConnection, error)
	ListDatabases(ctx context.Context, userID string) ([]store.DatabaseConnection, error)
	UpdateDatabaseStatus(ctx context.Context, userID, id string, to lifecycle.DatabaseStatus, lastErr string) (bool, error)
}

// Encryptor seals credential payloads for storage.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// ExecutorRegistry is the slice of dbexec the service uses.
type ExecutorRegistry interface {
	Executor(dbType string) (dbexec.Executor, bool)
	ValidateCredentials(dbType string, creds dbexec.Credentials) error
}

// Service orchestrates connection lifecycles.
type Service struct {
	store     ConnectionStore
	broker    broker.Broker
	sessions  session.Correlator
	registry  *providers.Registry
	executors ExecutorRegistry
	cipher    Encryptor
	events    events.Publisher
	logger    *slog.Logger

	// callbackBase is the externally reachable base URL of this gateway.
	callbackBase string
}

// Config wires a Service.
type Config struct {
	Store        ConnectionStore
	Broker       broker.Broker
	Sessions     session.Correlator
	Registry     *providers.Registry
	Executors    ExecutorRegistry
	Cipher       Encryptor
	Events       events.Publisher
	Logger       *slog.Logger
	CallbackBase string
}

// NewService creates the integrations service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.NopPublisher{Logger: logger}
	}
	return &Service{
		store:        cfg.Store,
		broker:       cfg.Broker,
		sessions:     cfg.Sessions,
		registry:     cfg.Registry,
		executors:    cfg.Executors,
		cipher:       cfg.Cipher,
		events:       pub,
		logger:       logger,
		callbackBase: cfg.CallbackBase,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// OAuth lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// ConnectResult is the outcome of initiating an OAuth flow.
type ConnectResult struct {
	// RedirectURL is where the user must go to authorize. Empty when the
	// connection already exists.
	RedirectURL string `json:"redirect_url,omitempty"`
	// AlreadyConnected is set when an active connection exists and force
	// was not requested.
	AlreadyConnected bool `json:"already_connected"`
}

// InitiateOAuth starts an authorization flow for (user, provider). With force
// set, any existing connection is superseded: revoked at the broker and
// replaced by a fresh pending record.
func (s *Service) InitiateOAuth(ctx context.Context, userID, providerID, redirectURL string, force bool) (*ConnectResult, error) {
	p, ok := s.registry.Get(providerID)
	if !ok {
		return nil, &types.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", providerID)}
	}

	existing, err := s.store.GetOAuth(ctx, userID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("integrations.InitiateOAuth: %w", err)
	}
	if existing != nil && lifecycle.OAuthUsable(existing.Status) && !force {
		return &ConnectResult{AlreadyConnected: true}, nil
	}
	if existing != nil && force {
		if existing.BrokerConnectionID != "" {
			if err := s.broker.Revoke(ctx, existing.BrokerConnectionID); err != nil {
				s.logger.WarnContext(ctx, "broker revoke during reauth failed",
					"provider", p.ID, "error", err)
			}
		}
		if err := s.store.DeleteOAuth(ctx, userID, p.ID); err != nil {
			return nil, fmt.Errorf("integrations.InitiateOAuth supersede: %w", err)
		}
	}

	token, err := s.sessions.Create(ctx, session.Session{
		UserID:      userID,
		Provider:    p.ID,
		RedirectURL: redirectURL,
	})
	if err != nil {
		return nil, fmt.Errorf("integrations.InitiateOAuth session: %w", err)
	}
	callbackURL := s.callbackBase + CallbackPath + "?session=" + url.QueryEscape(token)

	begin, err := s.broker.BeginAuth(ctx, broker.EntityID(userID), p.AuthConfigID, callbackURL)
	if err != nil {
		return nil, err
	}

	if begin.AlreadyConnected {
		// The broker still holds a live connection for this entity. Adopt
		// it instead of sending the user through consent again.
		fin, err := s.broker.FinalizeAuth(ctx, broker.EntityID(userID), p.AuthConfigID)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.UpsertOAuthPending(ctx, userID, p.ID); err != nil {
			return nil, fmt.Errorf("integrations.InitiateOAuth adopt: %w", err)
		}
		if _, err := s.store.ActivateOAuth(ctx, userID, p.ID, fin.ConnectionID, fin.AccountLabel); err != nil {
			return nil, fmt.Errorf("integrations.InitiateOAuth adopt activate: %w", err)
		}
		s.publish(ctx, events.Event{Kind: events.KindOAuth, UserID: userID, Provider: p.ID, Status: string(lifecycle.OAuthActive)})
		return &ConnectResult{AlreadyConnected: true}, nil
	}

	if _, err := s.store.UpsertOAuthPending(ctx, userID, p.ID); err != nil {
		return nil, fmt.Errorf("integrations.InitiateOAuth pending: %w", err)
	}
	s.logger.InfoContext(ctx, "oauth flow initiated", "user_id", userID, "provider", p.ID, "force", force)
	return &ConnectResult{RedirectURL: begin.RedirectURL}, nil
}

// CallbackResult tells the HTTP layer where to send the user's browser.
type CallbackResult struct {
	RedirectURL string
	Provider    string
}

// CompleteOAuthCallback consumes the session token and activates the
// connection. The token is single-use: replays and expired links both
// surface as SESSION_EXPIRED.
func (s *Service) CompleteOAuthCallback(ctx context.Context, token string) (*CallbackResult, error) {
	sess, err := s.sessions.Consume(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return nil, types.ErrSessionExpired()
	}
	if err != nil {
		return nil, fmt.Errorf("integrations.CompleteOAuthCallback: %w", err)
	}

	p, ok := s.registry.Get(sess.Provider)
	if !ok {
		return nil, types.ErrSessionExpired()
	}

	fin, err := s.broker.FinalizeAuth(ctx, broker.EntityID(sess.UserID), p.AuthConfigID)
	if err != nil {
		if _, uerr := s.store.UpdateOAuthStatus(ctx, sess.UserID, p.ID, lifecycle.OAuthError); uerr != nil {
			s.logger.ErrorContext(ctx, "failed to mark oauth errored", "provider", p.ID, "error", uerr)
		}
		return nil, err
	}

	activated, err := s.store.ActivateOAuth(ctx, sess.UserID, p.ID, fin.ConnectionID, fin.AccountLabel)
	if err != nil {
		return nil, fmt.Errorf("integrations.CompleteOAuthCallback activate: %w", err)
	}
	if !activated {
		// The pending record is gone: swept as expired or superseded by a
		// newer flow. This callback's grant is not ours to keep.
		return nil, types.ErrSessionExpired()
	}

	s.publish(ctx, events.Event{Kind: events.KindOAuth, UserID: sess.UserID, Provider: p.ID, Status: string(lifecycle.OAuthActive)})
	s.logger.InfoContext(ctx, "oauth connection activated", "user_id", sess.UserID, "provider", p.ID)
	return &CallbackResult{RedirectURL: sess.RedirectURL, Provider: p.ID}, nil
}

// DisconnectOAuth revokes a connection. Disconnecting something that does not
// exist or is already terminal is not an error.
func (s *Service) DisconnectOAuth(ctx context.Context, userID, providerID string) error {
	existing, err := s.store.GetOAuth(ctx, userID, providerID)
	if err != nil {
		return fmt.Errorf("integrations.DisconnectOAuth: %w", err)
	}
	if existing == nil {
		return nil
	}

	if existing.BrokerConnectionID != "" {
		if err := s.broker.Revoke(ctx, existing.BrokerConnectionID); err != nil {
			// The local record is still revoked; the broker connection is
			// orphaned, not live.
			s.logger.WarnContext(ctx, "broker revoke failed", "provider", providerID, "error", err)
		}
	}

	moved, err := s.store.UpdateOAuthStatus(ctx, userID, providerID, lifecycle.OAuthRevoked)
	if err != nil {
		return fmt.Errorf("integrations.DisconnectOAuth: %w", err)
	}
	if moved {
		s.publish(ctx, events.Event{Kind: events.KindOAuth, UserID: userID, Provider: providerID, Status: string(lifecycle.OAuthRevoked)})
		s.logger.InfoContext(ctx, "oauth connection revoked", "user_id", userID, "provider", providerID)
	}
	return nil
}

// ListOAuth returns the user's OAuth connections.
func (s *Service) ListOAuth(ctx context.Context, userID string) ([]store.OAuthConnection, error) {
	return s.store.ListOAuth(ctx, userID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Database lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// TestDatabase validates and live-tests credentials without storing anything.
func (s *Service) TestDatabase(ctx context.Context, dbType string, creds dbexec.Credentials) error {
	if err := s.executors.ValidateCredentials(dbType, creds); err != nil {
		return err
	}
	ex, ok := s.executors.Executor(dbType)
	if !ok {
		return &types.ValidationError{Field: "db_type", Reason: fmt.Sprintf("unsupported type %q", dbType)}
	}
	return ex.Test(ctx, creds)
}

// ConnectDatabase tests credentials and stores them encrypted. The record
// only exists once the live test passes.
func (s *Service) ConnectDatabase(ctx context.Context, userID, dbType, name string, creds dbexec.Credentials) (*store.DatabaseConnection, error) {
	if name == "" {
		return nil, &types.ValidationError{Field: "name", Reason: "required"}
	}
	if err := s.TestDatabase(ctx, dbType, creds); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("integrations.ConnectDatabase marshal: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	conn, err := s.store.UpsertDatabase(ctx, userID, dbType, name, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("integrations.ConnectDatabase: %w", err)
	}

	s.publish(ctx, events.Event{Kind: events.KindDatabase, UserID: userID, ConnectionID: conn.ID, Status: string(lifecycle.DatabaseConnected)})
	s.logger.InfoContext(ctx, "database connected", "user_id", userID, "db_type", dbType, "connection_id", conn.ID)
	return conn, nil
}

// DisconnectDatabase retires a database connection and purges its stored
// credentials. Idempotent.
func (s *Service) DisconnectDatabase(ctx context.Context, userID, id string) error {
	conn, err := s.store.GetDatabase(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("integrations.DisconnectDatabase: %w", err)
	}
	if conn == nil {
		return nil
	}

	moved, err := s.store.UpdateDatabaseStatus(ctx, userID, id, lifecycle.DatabaseDisconnected, "")
	if err != nil {
		return fmt.Errorf("integrations.DisconnectDatabase: %w", err)
	}
	if moved {
		s.publish(ctx, events.Event{Kind: events.KindDatabase, UserID: userID, ConnectionID: id, Status: string(lifecycle.DatabaseDisconnected)})
		s.logger.InfoContext(ctx, "database disconnected", "user_id", userID, "connection_id", id)
	}
	return nil
}

// ListDatabases returns the user's database connections, without ciphertext.
func (s *Service) ListDatabases(ctx context.Context, userID string) ([]store.DatabaseConnection, error) {
	return s.store.ListDatabases(ctx, userID)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	e.At = time.Now().UTC()
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "event publish failed", "routing_key", e.RoutingKey(), "error", err)
	}
}
