package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_dm/internal/model"
	"e2e_dm/internal/utils/log"
)

// Transport is the persistent bidirectional channel to the message server.
// Delivery confidence never comes from Send itself; it comes from the
// EventSendAcked / EventSendRejected events.

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

type EventType int

const (
	EventMessageReceived EventType = iota
	EventSendAcked
	EventSendRejected
	EventStateChanged
)

type Event struct {
	Type     EventType
	State    State          // EventStateChanged
	Message  *model.Message // EventMessageReceived, EventSendAcked
	ClientID string         // EventSendAcked, EventSendRejected
	Reason   string         // EventSendRejected
	Details  string         // EventSendRejected
}

// ErrAuthFailed is the terminal state after the bounded retry gives up.
// A new Connect with refreshed credentials is the only way out.
var ErrAuthFailed = errors.New("transport authentication failed")

var ErrNotConnected = errors.New("transport not connected")

// Credentials supplies the current session token at dial time, so a
// reconnect always authenticates as whoever is logged in right now.
type Credentials interface {
	Token() string
}

const (
	// linear backoff: attempt x RetryDelay, at most MaxAuthAttempts dials
	// before the transport gives up on a rejected credential.
	DefaultRetryDelay      = 2 * time.Second
	DefaultMaxAuthAttempts = 5
)

type Transport struct {
	wsURL string
	creds Credentials

	retryDelay      time.Duration
	maxAuthAttempts int
	dialer          *websocket.Dialer

	events chan Event

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Transport)

// WithRetryDelay shortens the backoff unit; used by tests.
func WithRetryDelay(d time.Duration) Option {
	return func(t *Transport) { t.retryDelay = d }
}

func WithMaxAuthAttempts(n int) Option {
	return func(t *Transport) { t.maxAuthAttempts = n }
}

func New(wsURL string, creds Credentials, opts ...Option) *Transport {
	t := &Transport{
		wsURL:           wsURL,
		creds:           creds,
		retryDelay:      DefaultRetryDelay,
		maxAuthAttempts: DefaultMaxAuthAttempts,
		dialer:          websocket.DefaultDialer,
		events:          make(chan Event, 64),
		state:           StateDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events is the stream consumed by the reconciler and the unread engine. The
// transport does not know its subscribers.
func (t *Transport) Events() <-chan Event {
	return t.events
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect tears down any previous connection and starts the connect loop
// under the current credentials. A stale connection must never deliver
// events under a new identity's context, so teardown always comes first.
func (t *Transport) Connect(ctx context.Context) {
	t.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(runCtx, done)
}

// Close cancels any pending reconnect timer and drops the connection.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	conn := t.conn
	t.cancel = nil
	t.done = nil
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Send writes one secure:send frame, fire-and-forget. The caller learns the
// outcome from the acked/rejected events correlated by client id.
func (t *Transport) Send(msg OutboundMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	data, err := json.Marshal(frame{Type: frameSend, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	authAttempts := 0
	for {
		t.setState(ctx, StateConnecting)

		conn, authErr, err := t.dial(ctx)
		if err == nil {
			authAttempts = 0
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()

			// the dialer does not tie an established connection to ctx, and a
			// concurrent Close may have snapshotted t.conn before the dial
			// finished; cancellation must close the conn or the read loop
			// blocks forever
			readDone := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-readDone:
				}
			}()

			t.setState(ctx, StateConnected)
			t.readLoop(ctx, conn)
			close(readDone)

			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			if ctx.Err() != nil {
				t.setState(ctx, StateDisconnected)
				return
			}
			t.setState(ctx, StateDisconnected)
			// immediate reconnect after a dropped connection; backoff only
			// punishes rejected credentials
			continue
		}

		if authErr {
			authAttempts++
			if authAttempts >= t.maxAuthAttempts {
				log.Error("giving up after repeated auth rejections",
					zap.Int("attempts", authAttempts))
				t.setState(ctx, StateAuthFailed)
				return
			}
			delay := time.Duration(authAttempts) * t.retryDelay
			log.Warn("auth rejected, retrying",
				zap.Int("attempt", authAttempts), zap.Duration("delay", delay))
			if !t.sleep(ctx, delay) {
				t.setState(ctx, StateDisconnected)
				return
			}
			continue
		}

		if ctx.Err() != nil {
			t.setState(ctx, StateDisconnected)
			return
		}
		log.Warn("dial failed, retrying", zap.Error(err))
		if !t.sleep(ctx, t.retryDelay) {
			t.setState(ctx, StateDisconnected)
			return
		}
	}
}

// dial reports authErr=true for a server-side credential rejection, which is
// the only class of failure with a bounded retry budget.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, bool, error) {
	u, err := url.Parse(t.wsURL)
	if err != nil {
		return nil, false, err
	}
	q := u.Query()
	q.Set("token", t.creds.Token())
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, true, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, false, err
	}
	return conn, false, nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket closed", zap.Error(err))
			conn.Close()
			return
		}

		env, err := normalizeInbound(data)
		if err != nil {
			log.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case frameReceive:
			t.emit(ctx, Event{Type: EventMessageReceived, Message: env.Message})
		case frameSent:
			t.emit(ctx, Event{Type: EventSendAcked, ClientID: env.ClientID, Message: env.Message})
		case frameError:
			t.emit(ctx, Event{Type: EventSendRejected, ClientID: env.ClientID, Reason: env.Reason, Details: env.Details})
		}
	}
}

func (t *Transport) setState(ctx context.Context, s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.emit(ctx, Event{Type: EventStateChanged, State: s})
}

func (t *Transport) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
