package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/config"
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Row is the remote recording row a session uploads against.
type Row struct {
	ID string `json:"id"`
}

// Client talks to the recordings backend. Every request carries the service
// api key and the user's bearer token; the token can be swapped at runtime
// after a refresh.
type Client struct {
	baseURL    string
	apiKey     string
	refreshURL string
	http       *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(cfg config.BackendConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		refreshURL: cfg.RefreshURL,
		token:      cfg.AuthToken,
		http:       &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Enabled reports whether a backend is configured at all. Without one the
// agent records locally and progressive upload is skipped.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(method, path string, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "backend request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// CreateRecordingRow registers a new recording and returns its remote id.
func (c *Client) CreateRecordingRow(mode string, startedAt time.Time) (*Row, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"mode":       mode,
		"started_at": startedAt.UTC().Format(time.RFC3339),
		"status":     "recording",
	})
	var row Row
	if err := c.do(http.MethodPost, "/recordings", "application/json", bytes.NewReader(payload), &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// FragmentKey names a fragment object. Zero-padding keeps lexicographic
// ordering equal to sequence ordering.
func FragmentKey(seq int) string {
	return fmt.Sprintf("fragment-%06d", seq)
}

// UploadFragmentObject stores one fragment under the recording's prefix.
func (c *Client) UploadFragmentObject(recordingID string, seq int, payload []byte) error {
	path := fmt.Sprintf("/storage/recordings/%s/%s", recordingID, FragmentKey(seq))
	return c.do(http.MethodPut, path, "application/octet-stream", bytes.NewReader(payload), nil)
}

// AssembleFragments asks the backend to concatenate every uploaded fragment
// into the final object and mark the recording ready. Valid only when all
// fragments made it up; the backend rejects assembly over a gap.
func (c *Client) AssembleFragments(recordingID, title string, duration time.Duration, fragmentCount int, mimeType string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"title":            title,
		"duration_seconds": int(duration.Seconds()),
		"fragment_count":   fragmentCount,
		"mime_type":        mimeType,
	})
	path := fmt.Sprintf("/recordings/%s/assemble", recordingID)
	return c.do(http.MethodPost, path, "application/json", bytes.NewReader(payload), nil)
}

// UploadFullArtifact sends the whole artifact in one object, for recordings
// whose progressive upload fell behind or failed.
func (c *Client) UploadFullArtifact(recordingID string, payload []byte) error {
	path := fmt.Sprintf("/storage/recordings/%s/final", recordingID)
	return c.do(http.MethodPut, path, "application/octet-stream", bytes.NewReader(payload), nil)
}

// UploadThumbnail stores the poster image next to the artifact.
func (c *Client) UploadThumbnail(recordingID string, image []byte) error {
	path := fmt.Sprintf("/storage/recordings/%s/thumbnail.jpg", recordingID)
	return c.do(http.MethodPut, path, "image/jpeg", bytes.NewReader(image), nil)
}

// FinalizeRow marks the row complete with its artifact totals.
func (c *Client) FinalizeRow(recordingID string, sizeBytes int64, duration time.Duration, mimeType string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"status":           "complete",
		"size_bytes":       sizeBytes,
		"duration_seconds": int(duration.Seconds()),
		"mime_type":        mimeType,
	})
	path := fmt.Sprintf("/recordings/%s/finalize", recordingID)
	return c.do(http.MethodPost, path, "application/json", bytes.NewReader(payload), nil)
}

// DeleteRecordingRow removes a discarded recording's row and objects.
func (c *Client) DeleteRecordingRow(recordingID string) error {
	return c.do(http.MethodDelete, "/recordings/"+recordingID, "", nil, nil)
}

// RefreshToken trades the current token for a fresh one.
func (c *Client) RefreshToken() error {
	if c.refreshURL == "" {
		return errors.New("no refresh endpoint configured")
	}
	req, err := http.NewRequest(http.MethodPost, c.refreshURL, nil)
	if err != nil {
		return errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "refresh request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errors.Wrap(err, "decode refresh response")
	}
	if result.Token == "" {
		return errors.New("refresh returned empty token")
	}

	c.mu.Lock()
	c.token = result.Token
	c.mu.Unlock()
	c.logger.Info("auth token refreshed")
	return nil
}

// IsCredentialExpired reports whether err means the bearer token is no
// longer accepted, or whether the held token's exp claim has already
// passed.
func (c *Client) IsCredentialExpired(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		return true
	}
	return c.tokenExpired()
}

func (c *Client) tokenExpired() bool {
	token := c.bearer()
	if token == "" {
		return false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}
