// Package lifecycle is the authoritative state machine for connector records.
// All status mutations go through its transition predicates; the store embeds
// them in its compare-and-set updates so no other code path can move a status.
package lifecycle

// ──────────────────────────────────────────────────────────────────────────────
// OAuth connection states
// ──────────────────────────────────────────────────────────────────────────────

type OAuthStatus string

const (
	// OAuthPending is set when an authorization flow is initiated.
	OAuthPending OAuthStatus = "pending"
	// OAuthActive is set when the broker confirms the connection.
	OAuthActive OAuthStatus = "active"
	// OAuthExpired is reached when a pending flow goes stale or the broker
	// reports token expiry.
	OAuthExpired OAuthStatus = "expired"
	// OAuthRevoked is set on explicit disconnect.
	OAuthRevoked OAuthStatus = "revoked"
	// OAuthError is set when the broker reports token invalidation.
	OAuthError OAuthStatus = "error"
)

// oauthTransitions maps each status to the statuses it may move to. Returning
// to pending happens only by superseding the record (force reauth), never by
// an in-place transition.
var oauthTransitions = map[OAuthStatus][]OAuthStatus{
	OAuthPending: {OAuthActive, OAuthExpired, OAuthRevoked, OAuthError},
	OAuthActive:  {OAuthExpired, OAuthRevoked, OAuthError},
	OAuthExpired: {},
	OAuthRevoked: {},
	OAuthError:   {},
}

// CanTransitionOAuth reports whether from → to is a legal status move.
func CanTransitionOAuth(from, to OAuthStatus) bool {
	for _, s := range oauthTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OAuthSources returns every status from which `to` is reachable. The store
// uses this as the guard set in its compare-and-set updates.
func OAuthSources(to OAuthStatus) []string {
	var out []string
	for from, targets := range oauthTransitions {
		for _, t := range targets {
			if t == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// OAuthTerminal reports whether the status admits no further transitions.
func OAuthTerminal(s OAuthStatus) bool {
	return len(oauthTransitions[s]) == 0
}

// OAuthUsable reports whether broker actions may execute against the record.
func OAuthUsable(s OAuthStatus) bool {
	return s == OAuthActive
}

// ──────────────────────────────────────────────────────────────────────────────
// Database connection states
// ──────────────────────────────────────────────────────────────────────────────

type DatabaseStatus string

const (
	// DatabaseConnected is the initial status, set after a successful
	// test-and-save.
	DatabaseConnected DatabaseStatus = "connected"
	// DatabaseDisconnected is terminal, set by explicit user action.
	DatabaseDisconnected DatabaseStatus = "disconnected"
	// DatabaseError is set when the executor reports a connect or auth
	// failure. Credentials are kept so the user can retry.
	DatabaseError DatabaseStatus = "error"
)

var databaseTransitions = map[DatabaseStatus][]DatabaseStatus{
	DatabaseConnected:    {DatabaseDisconnected, DatabaseError},
	DatabaseError:        {DatabaseConnected, DatabaseDisconnected},
	DatabaseDisconnected: {},
}

// CanTransitionDatabase reports whether from → to is a legal status move.
func CanTransitionDatabase(from, to DatabaseStatus) bool {
	for _, s := range databaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DatabaseSources returns every status from which `to` is reachable.
func DatabaseSources(to DatabaseStatus) []string {
	var out []string
	for from, targets := range databaseTransitions {
		for _, t := range targets {
			if t == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// DatabaseUsable reports whether queries may execute against the record.
func DatabaseUsable(s DatabaseStatus) bool {
	return s == DatabaseConnected
}
