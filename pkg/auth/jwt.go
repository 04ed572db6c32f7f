package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"toolgate/pkg/types"
)

const userKey contextKey = "user_id"

// WithUser returns a context carrying the given user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserFromContext extracts the authenticated user id from the context.
func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

// JWTAuth returns middleware that validates HS256 bearer tokens on the
// user-facing surface. The subject claim becomes the user id.
func JWTAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(raw, "Bearer ") {
				types.ErrUnauthorized("missing bearer token").WriteJSON(w)
				return
			}
			raw = strings.TrimPrefix(raw, "Bearer ")

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				types.ErrUnauthorized("invalid token").WriteJSON(w)
				return
			}

			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				types.ErrUnauthorized("token has no subject").WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
