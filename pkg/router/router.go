// Package router resolves a tool name to its backend and executes it. It is
// the single entry point for all executions: ownership checks, status gating,
// and credential decryption all happen here before any network I/O.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"toolgate/pkg/broker"
	"toolgate/pkg/catalog"
	"toolgate/pkg/dbexec"
	"toolgate/pkg/lifecycle"
	"toolgate/pkg/providers"
	"toolgate/pkg/store"
	"toolgate/pkg/types"
)

// ConnectionStore is the slice of the store the router reads and updates.
type ConnectionStore interface {
	GetOAuth(ctx context.Context, userID, provider string) (*store.OAuthConnection, error)
	UpdateOAuthStatus(ctx context.Context, userID, provider string, to lifecycle.OAuthStatus) (bool, error)
	GetDatabase(ctx context.Context, userID, id string) (*store.DatabaseConnection, error)
	UpdateDatabaseStatus(ctx context.Context, userID, id string, to lifecycle.DatabaseStatus, lastErr string) (bool, error)
}

// ActionExecutor executes SaaS actions through the identity broker.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, in broker.ExecuteInput) (json.RawMessage, error)
}

// Decryptor opens stored credential ciphertext.
type Decryptor interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ExecutorSource resolves database types to executors.
type ExecutorSource interface {
	Executor(dbType string) (dbexec.Executor, bool)
}

// Router dispatches execute requests.
type Router struct {
	store     ConnectionStore
	broker    ActionExecutor
	registry  *providers.Registry
	executors ExecutorSource
	decryptor Decryptor
	logger    *slog.Logger
}

// New creates a router.
func New(cs ConnectionStore, b ActionExecutor, reg *providers.Registry, ex ExecutorSource, dec Decryptor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     cs,
		broker:    b,
		registry:  reg,
		executors: ex,
		decryptor: dec,
		logger:    logger,
	}
}

// Execute validates the request, routes it to the owning backend, and always
// returns a structured result. Classified failures are results, not errors;
// the error return is reserved for validation problems.
func (r *Router) Execute(ctx context.Context, req types.ExecuteRequest) (*types.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		out json.RawMessage
		err error
	)
	if strings.HasPrefix(req.Tool, catalog.DBToolPrefix) {
		out, err = r.executeDatabase(ctx, req)
	} else {
		out, err = r.executeBroker(ctx, req)
	}
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		r.logger.InfoContext(ctx, "execution failed",
			"user_id", req.UserID,
			"tool", req.Tool,
			"error_code", string(types.CodeOf(err)),
			"duration_ms", elapsed,
		)
		return types.ResultFromError(err, elapsed), nil
	}

	r.logger.InfoContext(ctx, "execution succeeded",
		"user_id", req.UserID,
		"tool", req.Tool,
		"duration_ms", elapsed,
	)
	return &types.ExecutionResult{Success: true, Output: out, DurationMS: elapsed}, nil
}

// Provenance reports which backend a tool name routes to.
func Provenance(tool string) types.Provenance {
	if strings.HasPrefix(tool, catalog.DBToolPrefix) {
		return types.ProvenanceConnector
	}
	return types.ProvenanceBroker
}

func (r *Router) executeDatabase(ctx context.Context, req types.ExecuteRequest) (json.RawMessage, error) {
	id := strings.TrimPrefix(req.Tool, catalog.DBToolPrefix)

	// The lookup is scoped by owner: another user's connection id resolves
	// to nothing, indistinguishable from a nonexistent one.
	conn, err := r.store.GetDatabase(ctx, req.UserID, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "database lookup failed", "error", err)
		return nil, types.ErrQueryFailed("connection lookup failed")
	}
	if conn == nil || !lifecycle.DatabaseUsable(conn.Status) {
		return nil, types.ErrNotConnected("database")
	}

	executor, ok := r.executors.Executor(conn.DBType)
	if !ok {
		return nil, types.ErrQueryFailed("unsupported database type")
	}

	plaintext, err := r.decryptor.Decrypt(conn.Ciphertext)
	if err != nil {
		return nil, err
	}
	var creds dbexec.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, types.ErrCrypto("stored credentials are malformed")
	}

	var params struct {
		Query string `json:"query"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &types.ValidationError{Field: "params", Reason: "must be a JSON object"}
		}
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, &types.ValidationError{Field: "params.query", Reason: "required"}
	}

	// Run to completion even if the caller disconnects; the executor's own
	// timeouts still apply.
	out, err := executor.Execute(context.WithoutCancel(ctx), creds, params.Query)
	if err != nil {
		r.markDatabaseOnFailure(ctx, req.UserID, conn.ID, err)
		return nil, err
	}
	return out, nil
}

// markDatabaseOnFailure flips the record to error on connectivity and auth
// failures so the tool drops out of the catalog until the user fixes it.
// Query-level failures leave the status alone.
func (r *Router) markDatabaseOnFailure(ctx context.Context, userID, id string, err error) {
	code := types.CodeOf(err)
	if code != types.CodeAuthFailed && code != types.CodeConnectFailed {
		return
	}
	if _, uerr := r.store.UpdateDatabaseStatus(ctx, userID, id, lifecycle.DatabaseError, err.Error()); uerr != nil {
		r.logger.ErrorContext(ctx, "failed to mark database errored", "connection_id", id, "error", uerr)
	}
}

func (r *Router) executeBroker(ctx context.Context, req types.ExecuteRequest) (json.RawMessage, error) {
	provider, ok := r.registry.ProviderForAction(req.Tool)
	if !ok {
		return nil, types.ErrNotConnected(req.Tool)
	}

	conn, err := r.store.GetOAuth(ctx, req.UserID, provider.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "oauth lookup failed", "error", err)
		return nil, types.ErrQueryFailed("connection lookup failed")
	}
	if conn == nil || !lifecycle.OAuthUsable(conn.Status) {
		return nil, types.ErrNotConnected(provider.ID)
	}

	out, err := r.broker.ExecuteAction(context.WithoutCancel(ctx), broker.ExecuteInput{
		EntityID:     broker.EntityID(req.UserID),
		ConnectionID: conn.BrokerConnectionID,
		Action:       strings.ToUpper(req.Tool),
		Params:       req.Params,
	})
	if err != nil {
		r.markOAuthOnFailure(ctx, req.UserID, provider.ID, err)
		return nil, err
	}
	return out, nil
}

// markOAuthOnFailure expires the record when the broker reports that the
// user's grant is invalid, so the provider's tools drop out of the catalog
// until the user reconnects. Action-level failures leave the status alone.
func (r *Router) markOAuthOnFailure(ctx context.Context, userID, provider string, err error) {
	if types.CodeOf(err) != types.CodeAuthFailed {
		return
	}
	if _, uerr := r.store.UpdateOAuthStatus(ctx, userID, provider, lifecycle.OAuthExpired); uerr != nil {
		r.logger.ErrorContext(ctx, "failed to expire oauth connection", "provider", provider, "error", uerr)
	}
}
