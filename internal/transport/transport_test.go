package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type staticCreds string

func (c staticCreds) Token() string { return string(c) }

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitFor(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestBoundedAuthRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(wsURL(srv), staticCreds("expired"), WithRetryDelay(time.Millisecond))
	tr.Connect(context.Background())
	defer tr.Close()

	waitFor(t, tr.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == StateAuthFailed
	})

	got := attempts.Load()
	if got != DefaultMaxAuthAttempts {
		t.Fatalf("expected exactly %d dial attempts, got %d", DefaultMaxAuthAttempts, got)
	}

	// no further attempts are scheduled once auth has failed for good
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != got {
		t.Fatalf("reconnects kept firing after AuthFailed")
	}
	if tr.State() != StateAuthFailed {
		t.Fatalf("expected persistent AuthFailed, got %v", tr.State())
	}
}

func TestSendReceiveAndAck(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// deliver one inbound message immediately
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"secure:receive","payload":{"message":{"id":"m1","client_id":"remote-1","sender_id":"bob","receiver_id":"alice","ciphertext":"ct","iv":"iv"}}}`))

		// then ack whatever the client sends
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != frameSend {
			return
		}
		var out OutboundMessage
		if err := json.Unmarshal(f.Payload, &out); err != nil {
			return
		}
		ack := `{"type":"secure:sent","payload":{"client_id":"` + out.Metadata.ClientID + `","message":{"id":"m2","client_id":"` + out.Metadata.ClientID + `"}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(ack))

		// hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	tr := New(wsURL(srv), staticCreds("good"), WithRetryDelay(time.Millisecond))
	tr.Connect(context.Background())
	defer tr.Close()

	waitFor(t, tr.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == StateConnected
	})

	recv := waitFor(t, tr.Events(), func(ev Event) bool {
		return ev.Type == EventMessageReceived
	})
	if recv.Message == nil || recv.Message.ID != "m1" {
		t.Fatalf("unexpected inbound message: %+v", recv.Message)
	}

	err := tr.Send(OutboundMessage{
		ToUserID:   "bob",
		Ciphertext: "ct",
		Metadata:   SendMetadata{IV: "iv", ClientID: "local-1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ack := waitFor(t, tr.Events(), func(ev Event) bool {
		return ev.Type == EventSendAcked
	})
	if ack.ClientID != "local-1" {
		t.Fatalf("ack correlation id: got %q want %q", ack.ClientID, "local-1")
	}
	if ack.Message == nil || ack.Message.ID != "m2" {
		t.Fatalf("ack lost the server message: %+v", ack.Message)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := New("ws://127.0.0.1:1/ws", staticCreds("x"))
	if err := tr.Send(OutboundMessage{}); err == nil {
		t.Fatalf("expected ErrNotConnected")
	}
}

func TestContextCancelClosesLiveConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// a quiet server: the client read loop stays blocked unless the
		// connection itself is torn down
		conn.ReadMessage()
	}))
	defer srv.Close()

	tr := New(wsURL(srv), staticCreds("good"))
	ctx, cancel := context.WithCancel(context.Background())
	tr.Connect(ctx)

	waitFor(t, tr.Events(), func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == StateConnected
	})

	cancel()

	deadline := time.After(2 * time.Second)
	for tr.State() != StateDisconnected {
		select {
		case <-deadline:
			t.Fatalf("connection survived context cancellation, state %v", tr.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	tr.Close()
}

func TestCloseCancelsRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(wsURL(srv), staticCreds("expired"), WithRetryDelay(time.Hour))
	tr.Connect(context.Background())

	// first dial fails, the transport is now waiting out a long backoff;
	// Close must cancel that timer and return promptly
	deadline := time.After(5 * time.Second)
	for attempts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first dial never happened")
		case <-time.After(time.Millisecond):
		}
	}

	closed := make(chan struct{})
	go func() {
		tr.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on the backoff timer")
	}
}
