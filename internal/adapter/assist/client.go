// Package assist is the HTTP client for the reply-assist service that
// generates and verifies review reply drafts. Failures are classified so the
// worker knows whether to retry or fail the job outright.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"replydesk/backend/features/job"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type Draft struct {
	ReviewID string `json:"reviewId"`
	Text     string `json:"text"`
	Tone     string `json:"tone"`
}

type Verification struct {
	DraftID  string   `json:"draftId"`
	Approved bool     `json:"approved"`
	Flags    []string `json:"flags"`
}

// GenerateDraft asks the assist service for a reply draft to the given review.
func (c *Client) GenerateDraft(ctx context.Context, orgID, reviewID, tone string) (*Draft, error) {
	var draft Draft
	err := c.post(ctx, "/v1/drafts", map[string]any{
		"orgId":    orgID,
		"reviewId": reviewID,
		"tone":     tone,
	}, &draft)
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

// VerifyDraft runs the policy check over a generated draft.
func (c *Client) VerifyDraft(ctx context.Context, orgID, draftID string) (*Verification, error) {
	var v Verification
	err := c.post(ctx, "/v1/drafts/"+draftID+"/verify", map[string]any{
		"orgId": orgID,
	}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures are worth retrying.
		return &job.RetryableError{Code: "ASSIST_UNREACHABLE", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("assist api error %d: %s", resp.StatusCode, snippet)
		// 4xx means the request itself is bad and will never succeed.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &job.NonRetryableError{Code: "ASSIST_REJECTED", Message: msg}
		}
		return &job.RetryableError{Code: "ASSIST_UNAVAILABLE", Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &job.NonRetryableError{Code: "ASSIST_BAD_RESPONSE", Message: err.Error()}
	}
	return nil
}
