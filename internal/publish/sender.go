package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/groundwork/internal/store"
)

// statusBody is the PATCH payload the intake API expects.
type statusBody struct {
	Status       store.Status    `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Approval     *Approval       `json:"approval,omitempty"`
}

type sender struct {
	client  *http.Client
	baseURL string
	token   string
}

func newSender(baseURL, token string, timeout time.Duration) *sender {
	return &sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// send PATCHes one status update to {base}/jobs/{id}/status.
func (s *sender) send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(statusBody{
		Status:       n.Status,
		ErrorMessage: n.ErrorMessage,
		Output:       n.Output,
		Approval:     n.Approval,
	})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/jobs/%s/status", s.baseURL, url.PathEscape(n.JobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

// HTTPError is a non-2xx response from the intake API.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is a 4xx response retrying cannot
// fix. 429 is excluded, the intake API throttles with it.
func IsClientError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode >= 400 &&
		httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusTooManyRequests
}
