// Package platform is the HTTP client for the review-platform connector
// service that owns location sync, review sync and reply posting against the
// upstream provider APIs.
package platform

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
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type SyncReport struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

func (c *Client) SyncLocations(ctx context.Context, orgID string) (*SyncReport, error) {
	var report SyncReport
	if err := c.post(ctx, "/v1/locations/sync", map[string]any{"orgId": orgID}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) SyncReviews(ctx context.Context, orgID, locationID string) (*SyncReport, error) {
	var report SyncReport
	if err := c.post(ctx, "/v1/reviews/sync", map[string]any{
		"orgId":      orgID,
		"locationId": locationID,
	}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) PostReply(ctx context.Context, orgID, reviewID, text string) error {
	return c.post(ctx, "/v1/reviews/"+reviewID+"/reply", map[string]any{
		"orgId": orgID,
		"text":  text,
	}, &struct{}{})
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
		return &job.RetryableError{Code: "PLATFORM_UNREACHABLE", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("platform api error %d: %s", resp.StatusCode, snippet)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &job.NonRetryableError{Code: "PLATFORM_REJECTED", Message: msg}
		}
		return &job.RetryableError{Code: "PLATFORM_UNAVAILABLE", Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &job.NonRetryableError{Code: "PLATFORM_BAD_RESPONSE", Message: err.Error()}
	}
	return nil
}
