package app

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"e2e_dm/internal/cryptographic/engine"
	"e2e_dm/internal/model"
	"e2e_dm/internal/reconcile"
	"e2e_dm/internal/session"
	"e2e_dm/internal/transport"
	"e2e_dm/internal/unread"
)

type fakeHistoryDirectory struct {
	keys    map[string]string
	history map[string][]model.Message
}

func (f *fakeHistoryDirectory) PublicKeyOf(_ context.Context, userID string) (string, error) {
	return f.keys[userID], nil
}

func (f *fakeHistoryDirectory) Conversation(_ context.Context, counterpartID string) ([]model.Message, error) {
	return f.history[counterpartID], nil
}

type fakeUnreadDirectory struct {
	perConversation map[string]int
	markCalls       map[string]int
	onMark          func(messageID string)
}

func (f *fakeUnreadDirectory) MarkRead(_ context.Context, messageID string) error {
	f.markCalls[messageID]++
	if f.onMark != nil {
		f.onMark(messageID)
	}
	return nil
}

func (f *fakeUnreadDirectory) UnreadCount(context.Context) (int, error) {
	total := 0
	for _, n := range f.perConversation {
		total += n
	}
	return total, nil
}

func (f *fakeUnreadDirectory) UnreadByConversation(context.Context) (map[string]int, error) {
	return f.perConversation, nil
}

type nopSender struct{}

func (nopSender) Send(transport.OutboundMessage) error { return nil }

// Opening a conversation that already holds unread history must acknowledge
// the rendered messages, not just ones arriving over the live socket.
func TestOpenConversationAcknowledgesHistory(t *testing.T) {
	alicePair, err := engine.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bobPair, err := engine.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bobSess := session.New("bob", bobPair)

	key, err := bobSess.SessionKey("alice", engine.ExportPublicKey(alicePair.Public))
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	iv, ct, err := engine.Encrypt(key, []byte("sent before alice mounted"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	stored := model.Message{
		ID:                "srv-1",
		ClientID:          "bob-c1",
		SenderID:          "bob",
		ReceiverID:        "alice",
		Ciphertext:        base64.StdEncoding.EncodeToString(ct),
		IV:                base64.StdEncoding.EncodeToString(iv),
		SenderPublicKey:   engine.ExportPublicKey(bobPair.Public),
		ReceiverPublicKey: engine.ExportPublicKey(alicePair.Public),
		SentAt:            time.Now(),
	}

	sess := session.New("alice", alicePair)
	udir := &fakeUnreadDirectory{
		perConversation: map[string]int{"bob": 1},
		markCalls:       make(map[string]int),
	}
	un := unread.New(udir, sess)
	if err := un.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	rdir := &fakeHistoryDirectory{
		keys:    map[string]string{"bob": engine.ExportPublicKey(bobPair.Public)},
		history: map[string][]model.Message{"bob": {stored}},
	}
	// the server sets read_at once a receipt lands, so a later history fetch
	// returns the message as already read
	udir.onMark = func(string) {
		now := time.Now()
		rdir.history["bob"][0].ReadAt = &now
	}
	c := &App{
		rec:  reconcile.New(sess, rdir, nopSender{}, un),
		un:   un,
		toID: "bob",
	}

	c.openConversation(context.Background(), "bob")

	if udir.markCalls["srv-1"] != 1 {
		t.Fatalf("expected one receipt for srv-1, got %v", udir.markCalls)
	}
	if un.ForCounterpart("bob") != 0 {
		t.Fatalf("bob's badge should clear on open, got %d", un.ForCounterpart("bob"))
	}

	// a second open renders the same history but must not re-receipt
	c.openConversation(context.Background(), "bob")
	if udir.markCalls["srv-1"] != 1 {
		t.Fatalf("reopen sent a duplicate receipt: %v", udir.markCalls)
	}
}
