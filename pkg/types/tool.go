// Package types defines the canonical tool-catalog and execution schema
// shared across all services.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxParamsBytes = 64 * 1024 // 64 KB
	MaxToolBytes   = 256
	MaxUserIDBytes = 256
)

// ──────────────────────────────────────────────────────────────────────────────
// Provenance — which backend a tool resolves to.
// ──────────────────────────────────────────────────────────────────────────────

type Provenance string

const (
	// ProvenanceBroker marks a tool executed by the identity broker on the
	// user's behalf (SaaS action behind an OAuth connection).
	ProvenanceBroker Provenance = "broker"
	// ProvenanceConnector marks a tool backed by one of the user's own
	// databases, executed directly with their stored credentials.
	ProvenanceConnector Provenance = "direct-connector"
)

// ──────────────────────────────────────────────────────────────────────────────
// Parameter schema — typed, validated shape for tool inputs.
// ──────────────────────────────────────────────────────────────────────────────

type ParamField struct {
	Type        string `json:"type"` // "string", "integer", "boolean", "object"
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

type ParamSchema struct {
	Type       string                `json:"type"`
	Properties map[string]ParamField `json:"properties"`
	Required   []string              `json:"required,omitempty"`
}

// QuerySchema is the fixed parameter shape of every direct-connector tool:
// a single free-form query string.
func QuerySchema() ParamSchema {
	return ParamSchema{
		Type: "object",
		Properties: map[string]ParamField{
			"query": {Type: "string", Description: "Query or command to run against the connected database"},
		},
		Required: []string{"query"},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ToolDescriptor — one entry in a user's catalog. Computed, never persisted.
// ──────────────────────────────────────────────────────────────────────────────

type ToolDescriptor struct {
	Name        string      `json:"name"`
	Provenance  Provenance  `json:"provenance"`
	SourceID    string      `json:"source_id"` // provider id or database connection id
	Description string      `json:"description,omitempty"`
	Parameters  ParamSchema `json:"parameters"`
}

// ──────────────────────────────────────────────────────────────────────────────
// ExecuteRequest — the payload sent by an AI agent backend.
// ──────────────────────────────────────────────────────────────────────────────

type ExecuteRequest struct {
	UserID string          `json:"user_id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Normalize trims surrounding whitespace from identity and tool fields.
func (r *ExecuteRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Tool = strings.TrimSpace(r.Tool)
}

// Validate enforces all invariants on the request. Also normalizes fields.
func (r *ExecuteRequest) Validate() error {
	r.Normalize()

	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if len(r.UserID) > MaxUserIDBytes {
		return &ValidationError{Field: "user_id", Reason: fmt.Sprintf("exceeds %d bytes", MaxUserIDBytes)}
	}
	if r.Tool == "" {
		return &ValidationError{Field: "tool", Reason: "required"}
	}
	if len(r.Tool) > MaxToolBytes {
		return &ValidationError{Field: "tool", Reason: fmt.Sprintf("exceeds %d bytes", MaxToolBytes)}
	}
	if len(r.Params) > MaxParamsBytes {
		return &ValidationError{Field: "params", Reason: fmt.Sprintf("exceeds %d bytes", MaxParamsBytes)}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ExecutionResult — structured outcome returned to the caller.
// ──────────────────────────────────────────────────────────────────────────────

type ExecutionResult struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  ErrorCode       `json:"error_code,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ResultFromError converts a classified connector error into a result.
func ResultFromError(err error, durationMS int64) *ExecutionResult {
	return &ExecutionResult{
		Success:    false,
		Error:      err.Error(),
		ErrorCode:  CodeOf(err),
		DurationMS: durationMS,
	}
}
