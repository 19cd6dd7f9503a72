package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"e2e_dm/internal/model"
)

// REST client for the key directory, message history and unread bootstrap.
// Every failure here is a NetworkError: retryable by repeating the same user
// action, never fatal to the session.

// ErrKeyNotPublished means this identity has never published a key pair.
var ErrKeyNotPublished = errors.New("no public key published for this account")

type (
	// NetworkError wraps a failed REST call with the action it belonged to.
	NetworkError struct {
		Op  string
		Err error
	}

	Client struct {
		baseURL string
		httpc   *http.Client

		mu    sync.Mutex
		token string
	}

	loginRequest struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}

	loginResponse struct {
		Token string `json:"token"`
	}

	statusError int

	publishRequest struct {
		PublicKey           string            `json:"public_key"`
		EncryptedPrivateKey *model.WrappedKey `json:"encrypted_private_key,omitempty"`
	}
)

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e statusError) Error() string {
	return fmt.Sprintf("status %d", int(e))
}

// notFound reports an HTTP 404. Only the key-directory calls translate it
// into ErrKeyNotPublished; everywhere else a 404 is just a failed call.
func notFound(err error) bool {
	var se statusError
	return errors.As(err, &se) && se == http.StatusNotFound
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Login mints the session credential used on every later call and on the
// websocket handshake.
func (c *Client) Login(ctx context.Context, userID, email string) error {
	var out loginResponse
	err := c.do(ctx, http.MethodPost, "/login", loginRequest{UserID: userID, Email: email}, &out)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Logout drops the credential; the next connect must re-authenticate.
func (c *Client) Logout() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// OwnKeys fetches this identity's published public key and wrapped private
// key. ErrKeyNotPublished when the account never published.
func (c *Client) OwnKeys(ctx context.Context) (*model.KeyRecord, error) {
	var rec model.KeyRecord
	if err := c.do(ctx, http.MethodGet, "/messages/public-key", nil, &rec); err != nil {
		if notFound(err) {
			return nil, ErrKeyNotPublished
		}
		return nil, err
	}
	return &rec, nil
}

func (c *Client) PublicKeyOf(ctx context.Context, userID string) (string, error) {
	var rec model.KeyRecord
	path := fmt.Sprintf("/messages/public-key/%s", url.PathEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		if notFound(err) {
			return "", ErrKeyNotPublished
		}
		return "", err
	}
	return rec.PublicKey, nil
}

// PublishKeys upserts this identity's directory entry. Idempotent; safe to
// call redundantly after every successful key load.
func (c *Client) PublishKeys(ctx context.Context, publicKeyB64 string, wrapped *model.WrappedKey) error {
	req := publishRequest{PublicKey: publicKeyB64, EncryptedPrivateKey: wrapped}
	return c.do(ctx, http.MethodPost, "/messages/public-key", req, nil)
}

func (c *Client) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out []model.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Conversation(ctx context.Context, counterpartID string) ([]model.Message, error) {
	var out []model.Message
	path := fmt.Sprintf("/messages/conversation/%s", url.PathEscape(counterpartID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead is idempotent server-side; the caller still guards against
// duplicate calls with the session's marked-read set.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/messages/%s/read", url.PathEscape(messageID))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (c *Client) UnreadByConversation(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	if err := c.do(ctx, http.MethodGet, "/messages/unread/by-conversation", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := fmt.Sprintf("%s %s", method, path)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &NetworkError{Op: op, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &NetworkError{Op: op, Err: statusError(resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	return nil
}
