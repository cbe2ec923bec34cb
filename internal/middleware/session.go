package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"replydesk/backend/internal/apierr"
)

// Session identity is established by the fronting auth layer and forwarded as
// trusted headers. This service only enforces presence and role.
const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-Role"

	RoleOwner = "owner"
)

type Session struct {
	OrgID  string
	UserID string
	Role   string
}

func (s Session) IsOwner() bool {
	return s.Role == RoleOwner
}

type sessionKeyType int

const sessionKey sessionKeyType = 1

// RequireSession rejects requests without a tenant identity.
func RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := Session{
			OrgID:  r.Header.Get(HeaderOrgID),
			UserID: r.Header.Get(HeaderUserID),
			Role:   r.Header.Get(HeaderRole),
		}
		if sess.OrgID == "" || sess.UserID == "" {
			writeAPIError(r.Context(), w, apierr.Unauthorized("Missing session identity."))
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// RequireOwner layers the owner-role check on top of RequireSession.
func RequireOwner(next http.HandlerFunc) http.HandlerFunc {
	return RequireSession(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := GetSession(r.Context())
		if !sess.IsOwner() {
			writeAPIError(r.Context(), w, apierr.Forbidden("Owner role required."))
			return
		}
		next(w, r)
	})
}

func GetSession(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}

func writeAPIError(ctx context.Context, w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    err.Code,
			"message": err.Message,
			"details": err.Details,
		},
		"correlationId": GetCorrelationID(ctx),
	})
}
