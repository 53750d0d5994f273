package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ComUnity/insight-service/internal/util"
	"github.com/ComUnity/insight-service/internal/util/logger"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const (
	ContextOperator contextKey = "operator"

	// OrgParam is the chi URL parameter holding the org id.
	OrgParam = "orgID"
)

// TokenValidator checks an operator bearer token.
type TokenValidator interface {
	ValidateToken(token string) (*util.OperatorClaims, error)
}

// OperatorFromContext returns the claims set by OperatorAuth.
func OperatorFromContext(ctx context.Context) (*util.OperatorClaims, bool) {
	c, ok := ctx.Value(ContextOperator).(*util.OperatorClaims)
	return c, ok
}

// WithOperator stores claims in ctx.
func WithOperator(ctx context.Context, c *util.OperatorClaims) context.Context {
	return context.WithValue(ctx, ContextOperator, c)
}

// OperatorAuth requires a valid bearer token. A nil validator admits every
// request as a local operator with access to all orgs.
func OperatorAuth(v TokenValidator) func(http.Handler) http.Handler {
	if v == nil {
		logger.Warnf("[OperatorAuth] Operator authentication disabled; all requests act as local operator")
	}
	local := &util.OperatorClaims{Role: util.RoleOperator, Orgs: []string{util.AllOrgs}}
	local.Subject = "local"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), local)))
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing_token", "bearer token required")
				return
			}
			claims, err := v.ValidateToken(raw)
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, util.ErrTokenExpired) {
					reason = "token_expired"
				}
				logger.Debugf("[OperatorAuth] Rejected token: %v", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", reason, "bearer token rejected")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims)))
		})
	}
}

// OrgScope rejects operators whose token does not cover the {orgID} in the path.
func OrgScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := OperatorFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing_token", "bearer token required")
			return
		}
		orgID := chi.URLParam(r, OrgParam)
		if orgID == "" || !claims.CanAccess(orgID) {
			logger.Warnf("[OperatorAuth] %s denied access to org %q", claims.Subject, orgID)
			writeError(w, http.StatusForbidden, "forbidden", "org_scope", "token does not cover this org")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOperator admits only tokens with the operator role.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := OperatorFromContext(r.Context())
		if !ok || !claims.CanTransition() {
			writeError(w, http.StatusForbidden, "forbidden", "role", "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// writeError uses the same envelope as the ingest endpoint.
func writeError(w http.ResponseWriter, status int, code, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"reason":  reason,
			"message": message,
			"status":  status,
		},
	})
}
