// Package broker provides an HTTP client for the external identity broker
// that holds users' OAuth tokens and executes SaaS actions on their behalf.
// Token material never crosses this boundary; we exchange only entity and
// connection references.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"toolgate/pkg/types"
)

// EntityID maps a gateway user to the broker's entity namespace.
func EntityID(userID string) string {
	return "user_" + userID
}

// BeginAuthResult is the outcome of starting an authorization flow.
type BeginAuthResult struct {
	// RedirectURL is where the user's browser must go to grant access.
	RedirectURL string
	// AlreadyConnected is set when the broker reports an existing active
	// connection for this entity and provider.
	AlreadyConnected bool
}

// ExecuteInput identifies one broker-side action execution.
type ExecuteInput struct {
	EntityID     string
	ConnectionID string
	Action       string
	Params       json.RawMessage
}

// FinalizeResult is the broker's confirmation of a completed flow.
type FinalizeResult struct {
	// ConnectionID is the broker-side reference for future executions.
	ConnectionID string
	// AccountLabel names the linked account (typically an email address) so
	// users can tell which of their accounts is connected.
	AccountLabel string
}

// Broker is the surface the gateway needs from the identity broker.
type Broker interface {
	BeginAuth(ctx context.Context, entityID, authConfigID, callbackURL string) (*BeginAuthResult, error)
	FinalizeAuth(ctx context.Context, entityID, authConfigID string) (*FinalizeResult, error)
	ExecuteAction(ctx context.Context, in ExecuteInput) (json.RawMessage, error)
	Revoke(ctx context.Context, connectionID string) error
}

// Client calls the broker's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a broker client. The timeout bounds every call,
// including action execution.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BeginAuth asks the broker to start an authorization flow.
func (c *Client) BeginAuth(ctx context.Context, entityID, authConfigID, callbackURL string) (*BeginAuthResult, error) {
	var out struct {
		RedirectURL string `json:"redirect_url"`
		Status      string `json:"status"`
	}
	err := c.post(ctx, "/api/v1/connections/initiate", map[string]string{
		"entity_id":      entityID,
		"auth_config_id": authConfigID,
		"callback_url":   callbackURL,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &BeginAuthResult{
		RedirectURL:      out.RedirectURL,
		AlreadyConnected: out.Status == "already_connected",
	}, nil
}

// FinalizeAuth confirms a completed flow and returns the broker's connection
// reference plus the label of the account that was linked.
func (c *Client) FinalizeAuth(ctx context.Context, entityID, authConfigID string) (*FinalizeResult, error) {
	var out struct {
		ConnectionID          string `json:"connection_id"`
		ConnectedAccountLabel string `json:"connected_account_label"`
		Status                string `json:"status"`
	}
	err := c.post(ctx, "/api/v1/connections/finalize", map[string]string{
		"entity_id":      entityID,
		"auth_config_id": authConfigID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Status != "active" || out.ConnectionID == "" {
		return nil, types.ErrBroker(authConfigID, fmt.Errorf("connection not active: %s", out.Status))
	}
	return &FinalizeResult{
		ConnectionID: out.ConnectionID,
		AccountLabel: out.ConnectedAccountLabel,
	}, nil
}

// ExecuteAction runs one SaaS action through the broker.
func (c *Client) ExecuteAction(ctx context.Context, in ExecuteInput) (json.RawMessage, error) {
	body := map[string]any{
		"entity_id":     in.EntityID,
		"connection_id": in.ConnectionID,
		"action":        in.Action,
	}
	if len(in.Params) > 0 {
		body["params"] = in.Params
	}
	var out struct {
		Successful bool            `json:"successful"`
		Data       json.RawMessage `json:"data"`
		Error      string          `json:"error"`
		ErrorCode  string          `json:"error_code"`
	}
	if err := c.post(ctx, "/api/v1/actions/execute", body, &out); err != nil {
		return nil, err
	}
	if !out.Successful {
		if authInvalidated(out.ErrorCode) {
			return nil, types.ErrAuthFailed("the connected account")
		}
		return nil, types.ErrQueryFailed(out.Error)
	}
	return out.Data, nil
}

// authInvalidated reports whether the broker's error code means the user's
// grant itself is dead, as opposed to the action failing. The caller uses
// this to retire the connection record.
func authInvalidated(code string) bool {
	switch code {
	case "token_expired", "token_revoked", "invalid_credentials", "unauthorized":
		return true
	}
	return false
}

// Revoke tells the broker to drop a connection and its tokens.
func (c *Client) Revoke(ctx context.Context, connectionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/v1/connections/"+connectionID, nil)
	if err != nil {
		return fmt.Errorf("broker.Revoke: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classify("revoke", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return types.ErrBroker("revoke", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("broker marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("broker new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classify(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.ErrBroker(path, fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.ErrBroker(path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) classify(what string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout("broker call")
	}
	return types.ErrBroker(what, err)
}
