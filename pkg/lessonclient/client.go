// Package lessonclient is a Go client for the classroom HTTP API.
package lessonclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// Errors. Token and entitlement errors are terminal; timeouts and network errors may be retried
// by the caller.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidToken       = errors.New("invalid or tampered token")
	ErrNotFound           = errors.New("not found")
	ErrTimeout            = errors.New("request timed out")
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// Playback is the decrypted location of a video.
type Playback struct {
	LocationURI    string `json:"locationURI"`
	SourceKind     string `json:"sourceKind"`
	RefreshedToken string `json:"refreshedToken,omitempty"`
}

// SessionStatus is the join state of a video.
type SessionStatus struct {
	VideoID string `json:"video_id"`
	IsLive  bool   `json:"is_live"`
	CanJoin bool   `json:"can_join"`
	Status  *struct {
		State         string `json:"state"`
		TimeToLive    string `json:"time_to_live,omitempty"`
		SecondsToLive int64  `json:"seconds_to_live,omitempty"`
	} `json:"status,omitempty"`
}

// ChatEvent is one entry of a chat history.
type ChatEvent struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"video_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text,omitempty"`
	IsPrivileged bool      `json:"is_privileged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Checkpoint is a playback position report.
type Checkpoint struct {
	VideoID         string  `json:"videoId"`
	CourseID        string  `json:"courseId,omitempty"`
	WatchedSeconds  float64 `json:"watchedSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// CheckpointResult reports whether the checkpoint was stored and the resulting percentage.
type CheckpointResult struct {
	Written bool `json:"written"`
	Record  *struct {
		Percentage  int        `json:"percentage"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	} `json:"record"`
}

// Client calls the API on behalf of one signed-in user.
type Client struct {
	baseURL    string
	bearer     string
	httpClient *http.Client
}

// New creates a client. bearer is the user's JWT.
func New(baseURL, bearer string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bearer:     bearer,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// AccessToken requests an access token for videoID.
func (c *Client) AccessToken(ctx context.Context, videoID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodGet, "/videos/"+url.PathEscape(videoID)+"/access-token", nil, &out)
	return out.Token, err
}

// Decrypt exchanges an access token for a playable location.
func (c *Client) Decrypt(ctx context.Context, token string) (*Playback, error) {
	var out Playback
	if err := c.do(ctx, http.MethodPost, "/video-tokens/decrypt", map[string]string{"token": token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session returns the join state of videoID.
func (c *Client) Session(ctx context.Context, videoID string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, "/videos/"+url.PathEscape(videoID)+"/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatHistory returns up to limit recent messages, oldest first.
func (c *Client) ChatHistory(ctx context.Context, videoID string, limit int) ([]ChatEvent, error) {
	q := url.Values{"kind": {"message"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Events []ChatEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(videoID)+"?"+q.Encode(), nil, &out)
	return out.Events, err
}

// SaveProgress reports a playback checkpoint.
func (c *Client) SaveProgress(ctx context.Context, cp Checkpoint) (*CheckpointResult, error) {
	var out CheckpointResult
	if err := c.do(ctx, http.MethodPost, "/progress", cp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumePosition returns where playback of videoID should resume.
func (c *Client) ResumePosition(ctx context.Context, videoID string) (float64, error) {
	var out struct {
		PositionSeconds float64 `json:"positionSeconds"`
	}
	err := c.do(ctx, http.MethodGet, "/progress/"+url.PathEscape(videoID)+"/resume", nil, &out)
	return out.PositionSeconds, err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && resp.StatusCode < 300 {
		return fmt.Errorf("decode response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, env.Error)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusGatewayTimeout:
		return ErrTimeout
	case resp.StatusCode == http.StatusBadRequest && env.Code == "invalid_token":
		return ErrInvalidToken
	case resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}
