// Package middleware provides HTTP middleware for the prediction API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/R3E-Network/prediction_layer/internal/httputil"
)

// OwnerHeader carries the caller identity. Authentication happens upstream.
const OwnerHeader = "X-User-ID"

type ownerKey struct{}

var errMissingOwner = errors.New("missing " + OwnerHeader + " header")

// WithOwnerID returns a context carrying the owner id.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// GetOwnerID returns the owner id stored by RequireOwner, or "".
func GetOwnerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

// RequireOwner rejects requests without an owner header with 401 and stores
// the owner id in the request context otherwise.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if ownerID == "" {
			httputil.WriteError(w, http.StatusUnauthorized, errMissingOwner)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
	})
}
