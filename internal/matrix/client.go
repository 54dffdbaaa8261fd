package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chatrelay/internal/retry"
)

// Config holds the connection settings for the homeserver.
type Config struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	Password    string `json:"password,omitempty"`
	StateFile   string `json:"state_file,omitempty"`
}

// Client talks to a Matrix homeserver over the client-server API. It is the
// chat-transport collaborator: it owns login, the sync loop, and outbound
// send/edit/redact/typing calls. Transport failures are retried here and
// never surface to the orchestrator.
type Client struct {
	homeserver  string
	userID      string
	accessToken string
	stateFile   string

	httpClient *http.Client
	// Homeservers rate-limit clients hard (M_LIMIT_EXCEEDED), so outbound
	// calls go through a limiter.
	limiter *rate.Limiter

	nextBatch string
	startedAt time.Time
}

// NewClient creates a Matrix client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("matrix user_id is required")
	}
	if cfg.AccessToken == "" && cfg.Password == "" {
		return nil, fmt.Errorf("matrix access_token or password is required")
	}

	return &Client{
		homeserver:  strings.TrimRight(cfg.Homeserver, "/"),
		userID:      cfg.UserID,
		accessToken: cfg.AccessToken,
		stateFile:   cfg.StateFile,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}, nil
}

// UserID returns the bot's own Matrix user ID, used by the orchestrator to
// skip the bot's own messages.
func (c *Client) UserID() string {
	return c.userID
}

// Login obtains an access token via m.login.password when no token was
// configured. It is a no-op if an access token is already present.
func (c *Client) Login(ctx context.Context, password string) error {
	if c.accessToken != "" {
		return nil
	}

	reqBody := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]string{
			"type": "m.id.user",
			"user": c.userID,
		},
		"password": password,
	}

	var resp struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, reqBody, &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.accessToken = resp.AccessToken
	if resp.UserID != "" {
		c.userID = resp.UserID
	}

	log.Info().Str("user_id", c.userID).Msg("Logged in to homeserver")
	return nil
}

// Send posts a plain-text message into a room and returns the event ID, which
// doubles as the handle for later Edit/Redact calls.
func (c *Client) Send(ctx context.Context, roomID, text string) (string, error) {
	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    text,
	}
	return c.sendEvent(ctx, roomID, content)
}

// Edit replaces a previously sent message in place using an m.replace
// relation. Clients that understand edits show no flicker; older clients see
// a fallback "* corrected" message.
func (c *Client) Edit(ctx context.Context, roomID, targetEventID, newText string) error {
	content := map[string]interface{}{
		"msgtype": "m.text",
		"body":    "* " + newText,
		"m.new_content": map[string]interface{}{
			"msgtype": "m.text",
			"body":    newText,
		},
		"m.relates_to": map[string]interface{}{
			"rel_type": "m.replace",
			"event_id": targetEventID,
		},
	}
	_, err := c.sendEvent(ctx, roomID, content)
	return err
}

// Redact removes a previously sent message.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventID), txnID)

	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doWithRetry(ctx, http.MethodPut, path, nil, body, nil)
}

// Typing signals the transient typing indicator for the bot in a room.
func (c *Client) Typing(ctx context.Context, roomID string, typing bool) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID), url.PathEscape(c.userID))

	body := map[string]interface{}{"typing": typing}
	if typing {
		body["timeout"] = int((30 * time.Second).Milliseconds())
	}
	return c.do(ctx, http.MethodPut, path, nil, body, nil)
}

// JoinRoom accepts a room invite.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/join", url.PathEscape(roomID))
	return c.doWithRetry(ctx, http.MethodPost, path, nil, map[string]string{}, nil)
}

// sendEvent sends an m.room.message event with a fresh transaction ID.
func (c *Client) sendEvent(ctx context.Context, roomID string, content map[string]interface{}) (string, error) {
	txnID := uuid.NewString()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), txnID)

	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.doWithRetry(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// doWithRetry wraps do with the transport backoff policy for calls that must
// survive transient homeserver errors.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, reqBody, respOut interface{}) error {
	// Permanent errors (M_FORBIDDEN etc.) short-circuit the backoff loop;
	// only rate limits and connectivity problems are worth retrying.
	var permanentErr error
	result := retry.WithBackoff(ctx, retry.TransportConfig(), func() error {
		err := c.do(ctx, method, path, query, reqBody, respOut)
		if err != nil && !retry.IsRetryableError(err) {
			log.Warn().Err(err).Str("path", path).Msg("Non-retryable transport error")
			permanentErr = err
			return nil
		}
		return err
	})
	if permanentErr != nil {
		return permanentErr
	}
	if !result.Success {
		return result.LastError
	}
	return nil
}

// do performs one authenticated request against the homeserver.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respOut interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	apiURL := c.homeserver + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var matrixErr struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &matrixErr)
		if matrixErr.ErrCode != "" {
			return fmt.Errorf("homeserver returned %d %s: %s", resp.StatusCode, matrixErr.ErrCode, matrixErr.Error)
		}
		return fmt.Errorf("homeserver returned %d: %s", resp.StatusCode, string(respBytes))
	}

	if respOut != nil {
		if err := json.Unmarshal(respBytes, respOut); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
