// Package dbexec runs queries against user-owned databases. Connections are
// transient: open, run, close. Decrypted credentials live only on the stack
// of the executing call and never appear in errors or logs.
package dbexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"toolgate/pkg/types"
)

const (
	// ConnectTimeout bounds dialing and the connection test.
	ConnectTimeout = 10 * time.Second
	// QueryTimeout bounds a single query execution.
	QueryTimeout = 30 * time.Second
)

// Credentials is the decrypted field set for one database connection.
type Credentials map[string]string

// Get returns a field value or its default from the type spec.
func (c Credentials) Get(field string, spec TypeSpec) string {
	if v, ok := c[field]; ok && v != "" {
		return v
	}
	for _, f := range spec.Fields {
		if f.Name == field {
			return f.Default
		}
	}
	return ""
}

// CredentialField describes one entry in a database type's credential form.
type CredentialField struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret,omitempty"`
	Default     string `json:"default,omitempty"`
}

// TypeSpec describes one supported database type.
type TypeSpec struct {
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Fields      []CredentialField `json:"fields"`
}

// Executor runs queries for one database type.
type Executor interface {
	// Test opens a connection, verifies liveness, and closes it.
	Test(ctx context.Context, creds Credentials) error
	// Execute runs one query and returns a JSON-encoded result.
	Execute(ctx context.Context, creds Credentials, query string) (json.RawMessage, error)
}

// Registry maps database types to executors and their credential specs.
type Registry struct {
	executors map[string]Executor
	specs     map[string]TypeSpec
}

// NewRegistry builds the registry with every supported database type.
func NewRegistry() *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		specs:     make(map[string]TypeSpec),
	}
	r.register(postgresSpec(), &sqlExecutor{driver: "postgres", dsn: postgresDSN})
	r.register(mysqlSpec(), &sqlExecutor{driver: "mysql", dsn: mysqlDSN})
	r.register(redisSpec(), &redisExecutor{})
	return r
}

func (r *Registry) register(spec TypeSpec, ex Executor) {
	r.specs[spec.Type] = spec
	r.executors[spec.Type] = ex
}

// Executor returns the executor for a database type.
func (r *Registry) Executor(dbType string) (Executor, bool) {
	ex, ok := r.executors[dbType]
	return ex, ok
}

// Spec returns the credential spec for a database type.
func (r *Registry) Spec(dbType string) (TypeSpec, bool) {
	s, ok := r.specs[dbType]
	return s, ok
}

// Types returns every supported type spec, sorted by type name.
func (r *Registry) Types() []TypeSpec {
	out := make([]TypeSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ValidateCredentials checks required fields against the type's spec. Error
// messages name fields, never values.
func (r *Registry) ValidateCredentials(dbType string, creds Credentials) error {
	spec, ok := r.specs[dbType]
	if !ok {
		return &types.ValidationError{Field: "db_type", Reason: fmt.Sprintf("unsupported type %q", dbType)}
	}
	for _, f := range spec.Fields {
		if f.Required && creds[f.Name] == "" {
			return &types.ValidationError{Field: f.Name, Reason: "required"}
		}
	}
	return nil
}
