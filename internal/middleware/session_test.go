package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"replydesk/backend/internal/middleware"
)

func TestRequireSession_MissingIdentity(t *testing.T) {
	h := middleware.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a session")
	})

	req := httptest.NewRequest("GET", "/jobs", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestRequireSession_PopulatesContext(t *testing.T) {
	var got middleware.Session
	h := middleware.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		got, _ = middleware.GetSession(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set(middleware.HeaderOrgID, "org-1")
	req.Header.Set(middleware.HeaderUserID, "user-1")
	req.Header.Set(middleware.HeaderRole, "member")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "user-1", got.UserID)
	assert.False(t, got.IsOwner())
}

func TestRequireOwner_RejectsMember(t *testing.T) {
	h := middleware.RequireOwner(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for a non-owner")
	})

	req := httptest.NewRequest("POST", "/jobs", nil)
	req.Header.Set(middleware.HeaderOrgID, "org-1")
	req.Header.Set(middleware.HeaderUserID, "user-1")
	req.Header.Set(middleware.HeaderRole, "member")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")
}

func TestRequireOwner_AllowsOwner(t *testing.T) {
	called := false
	h := middleware.RequireOwner(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/jobs", nil)
	req.Header.Set(middleware.HeaderOrgID, "org-1")
	req.Header.Set(middleware.HeaderUserID, "user-1")
	req.Header.Set(middleware.HeaderRole, middleware.RoleOwner)
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
