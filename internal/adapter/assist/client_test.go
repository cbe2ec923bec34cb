package assist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replydesk/backend/features/job"
)

func TestClient_GenerateDraft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/drafts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reviewId":"rev-1","text":"Thanks for the kind words!","tone":"friendly"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	draft, err := c.GenerateDraft(context.Background(), "org-1", "rev-1", "friendly")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", draft.ReviewID)
	assert.NotEmpty(t, draft.Text)
}

func TestClient_VerifyDraft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/drafts/draft-1/verify", r.URL.Path)
		w.Write([]byte(`{"draftId":"draft-1","approved":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	v, err := c.VerifyDraft(context.Background(), "org-1", "draft-1")
	require.NoError(t, err)
	assert.True(t, v.Approved)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.GenerateDraft(context.Background(), "org-1", "rev-1", "friendly")

	var retryable *job.RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, "ASSIST_UNAVAILABLE", retryable.Code)
}

func TestClient_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.VerifyDraft(context.Background(), "org-1", "draft-1")

	var fatal *job.NonRetryableError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "ASSIST_REJECTED", fatal.Code)
}

func TestClient_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.GenerateDraft(context.Background(), "org-1", "rev-1", "friendly")

	var retryable *job.RetryableError
	require.True(t, errors.As(err, &retryable))
}

func TestClient_UnreachableIsRetryable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.GenerateDraft(context.Background(), "org-1", "rev-1", "friendly")

	var retryable *job.RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, "ASSIST_UNREACHABLE", retryable.Code)
}
