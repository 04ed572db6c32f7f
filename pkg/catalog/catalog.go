// Package catalog computes the per-user tool list. The catalog is derived on
// every request from connection state; nothing is persisted.
package catalog

import (
	"context"
	"fmt"

	"toolgate/pkg/lifecycle"
	"toolgate/pkg/providers"
	"toolgate/pkg/store"
	"toolgate/pkg/types"
)

// DBToolPrefix namespaces direct-connector tools. The suffix is the database
// connection id.
const DBToolPrefix = "db_query_"

// DBToolName builds the tool name for a database connection.
func DBToolName(connectionID string) string {
	return DBToolPrefix + connectionID
}

// ConnectionSource is the slice of the store the builder reads.
type ConnectionSource interface {
	ListOAuth(ctx context.Context, userID string) ([]store.OAuthConnection, error)
	ListDatabases(ctx context.Context, userID string) ([]store.DatabaseConnection, error)
}

// Builder assembles tool catalogs.
type Builder struct {
	source   ConnectionSource
	registry *providers.Registry
}

// NewBuilder creates a catalog builder.
func NewBuilder(source ConnectionSource, registry *providers.Registry) *Builder {
	return &Builder{source: source, registry: registry}
}

// Build returns every tool the user can execute right now: the registry
// actions of each active OAuth connection, then one query tool per connected
// database. Ordering is stable for a given connection state.
func (b *Builder) Build(ctx context.Context, userID string) ([]types.ToolDescriptor, error) {
	oauth, err := b.source.ListOAuth(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("catalog.Build: %w", err)
	}
	dbs, err := b.source.ListDatabases(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("catalog.Build: %w", err)
	}

	tools := make([]types.ToolDescriptor, 0)
	for _, p := range b.registry.All() {
		if !hasActive(oauth, p.ID) {
			continue
		}
		for _, a := range p.Actions {
			tools = append(tools, types.ToolDescriptor{
				Name:        a.Name,
				Provenance:  types.ProvenanceBroker,
				SourceID:    p.ID,
				Description: a.Description,
				Parameters:  a.Params,
			})
		}
	}

	for _, db := range dbs {
		if !lifecycle.DatabaseUsable(db.Status) {
			continue
		}
		tools = append(tools, types.ToolDescriptor{
			Name:        DBToolName(db.ID),
			Provenance:  types.ProvenanceConnector,
			SourceID:    db.ID,
			Description: fmt.Sprintf("Run queries against %s (%s)", db.Name, db.DBType),
			Parameters:  types.QuerySchema(),
		})
	}
	return tools, nil
}

func hasActive(conns []store.OAuthConnection, providerID string) bool {
	for _, c := range conns {
		if c.Provider == providerID && lifecycle.OAuthUsable(c.Status) {
			return true
		}
	}
	return false
}
