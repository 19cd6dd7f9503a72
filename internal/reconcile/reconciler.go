package reconcile

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2e_dm/internal/cryptographic/engine"
	"e2e_dm/internal/model"
	"e2e_dm/internal/session"
	"e2e_dm/internal/transport"
	"e2e_dm/internal/utils/log"
)

// Reconciler matches optimistically-displayed outgoing messages against
// server acknowledgments and incoming deliveries, including echoes of our own
// messages arriving from another session of the same identity.

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
	StatusUndecryptable
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusUndecryptable:
		return "undecryptable"
	default:
		return "unknown"
	}
}

// ErrStaleLoad means a newer conversation switch happened while this load was
// in flight; the result must be ignored, not rendered.
var ErrStaleLoad = errors.New("conversation switched during load")

type (
	// Entry is one row of a conversation view.
	Entry struct {
		Message    model.Message
		Status     Status
		Plaintext  string // empty only for undecryptable entries
		FailReason string
	}

	// Directory is the slice of the REST client the reconciler consumes.
	Directory interface {
		PublicKeyOf(ctx context.Context, userID string) (string, error)
		Conversation(ctx context.Context, counterpartID string) ([]model.Message, error)
	}

	// Sender is the outbound half of the realtime transport.
	Sender interface {
		Send(msg transport.OutboundMessage) error
	}

	// Unread is notified for messages landing outside the active conversation.
	Unread interface {
		Increment(counterpartID string)
	}

	Reconciler struct {
		sess   *session.Session
		dir    Directory
		sender Sender
		unread Unread

		mu         sync.Mutex
		active     string
		entries    map[string][]*Entry // counterpart id -> ordered view
		byClientID map[string]*Entry
		seen       map[string]struct{} // server ids already appended
		knownKeys  map[string]string   // counterpart id -> last fetched public key
	}
)

func New(sess *session.Session, dir Directory, sender Sender, unread Unread) *Reconciler {
	return &Reconciler{
		sess:       sess,
		dir:        dir,
		sender:     sender,
		unread:     unread,
		entries:    make(map[string][]*Entry),
		byClientID: make(map[string]*Entry),
		seen:       make(map[string]struct{}),
		knownKeys:  make(map[string]string),
	}
}

// OpenConversation switches the active conversation and loads its history.
// The marked-read set is session-scoped per conversation, so it resets here.
// If another switch happens while the history fetch is in flight, the stale
// result is dropped and ErrStaleLoad returned.
func (r *Reconciler) OpenConversation(ctx context.Context, counterpartID string) ([]*Entry, error) {
	r.mu.Lock()
	r.active = counterpartID
	r.mu.Unlock()
	r.sess.ResetMarkedRead()

	history, err := r.dir.Conversation(ctx, counterpartID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != counterpartID {
		return nil, ErrStaleLoad
	}

	// rebuild the view from server history, keeping local-only entries
	// (pending or failed sends) that the server does not know yet
	var kept []*Entry
	keptByClientID := make(map[string]*Entry)
	for _, e := range r.entries[counterpartID] {
		if e.Status == StatusPending || e.Status == StatusFailed {
			kept = append(kept, e)
			if e.Message.ClientID != "" {
				keptByClientID[e.Message.ClientID] = e
			}
		} else if e.Message.ID != "" {
			delete(r.seen, e.Message.ID)
		}
	}
	r.entries[counterpartID] = nil

	adopted := make(map[*Entry]struct{})
	for i := range history {
		msg := &history[i]
		// a kept pending send whose ack was lost shows up in history under
		// the same client id; confirm it in place instead of appending a
		// second row for the server copy
		if e, ok := keptByClientID[msg.ClientID]; ok {
			e.Message.ID = msg.ID
			if !msg.SentAt.IsZero() {
				e.Message.SentAt = msg.SentAt
			}
			e.Status = StatusConfirmed
			e.FailReason = ""
			if msg.ID != "" {
				r.seen[msg.ID] = struct{}{}
			}
			r.entries[counterpartID] = append(r.entries[counterpartID], e)
			adopted[e] = struct{}{}
			delete(keptByClientID, msg.ClientID)
			continue
		}
		r.appendIncomingLocked(ctx, msg, counterpartID)
	}
	for _, e := range kept {
		if _, ok := adopted[e]; ok {
			continue
		}
		r.entries[counterpartID] = append(r.entries[counterpartID], e)
	}

	return r.snapshotLocked(counterpartID), nil
}

func (r *Reconciler) ActiveConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Entries returns a copy of the conversation view.
func (r *Reconciler) Entries(counterpartID string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(counterpartID)
}

func (r *Reconciler) snapshotLocked(counterpartID string) []*Entry {
	src := r.entries[counterpartID]
	out := make([]*Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Send encrypts plaintext for the recipient and emits an optimistic pending
// entry keyed by a fresh client id. Confirmation arrives via HandleEvent.
func (r *Reconciler) Send(ctx context.Context, toUserID, plaintext string) (*Entry, error) {
	receiverPub, err := r.counterpartKey(ctx, toUserID)
	if err != nil {
		return nil, err
	}
	key, err := r.sess.SessionKey(toUserID, receiverPub)
	if err != nil {
		return nil, err
	}
	iv, ct, err := engine.Encrypt(key, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	entry := &Entry{
		Message: model.Message{
			ClientID:          clientID,
			SenderID:          r.sess.LocalID(),
			ReceiverID:        toUserID,
			Ciphertext:        base64.StdEncoding.EncodeToString(ct),
			IV:                base64.StdEncoding.EncodeToString(iv),
			SenderPublicKey:   r.sess.PublicKeyB64(),
			ReceiverPublicKey: receiverPub,
			SentAt:            time.Now(),
		},
		Status:    StatusPending,
		Plaintext: plaintext,
	}

	r.mu.Lock()
	r.entries[toUserID] = append(r.entries[toUserID], entry)
	r.byClientID[clientID] = entry
	r.mu.Unlock()

	if err := r.transmit(entry); err != nil {
		r.mu.Lock()
		entry.Status = StatusFailed
		entry.FailReason = err.Error()
		snapshot := *entry
		r.mu.Unlock()
		return &snapshot, err
	}

	r.mu.Lock()
	snapshot := *entry
	r.mu.Unlock()
	return &snapshot, nil
}

// Resend retransmits a failed entry under its original client id, so a late
// ack for the first attempt still reconciles to the same row.
func (r *Reconciler) Resend(clientID string) error {
	r.mu.Lock()
	entry, ok := r.byClientID[clientID]
	if !ok || entry.Status != StatusFailed {
		r.mu.Unlock()
		return errors.New("no failed message with that client id")
	}
	entry.Status = StatusPending
	entry.FailReason = ""
	r.mu.Unlock()

	if err := r.transmit(entry); err != nil {
		r.mu.Lock()
		entry.Status = StatusFailed
		entry.FailReason = err.Error()
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Reconciler) transmit(entry *Entry) error {
	return r.sender.Send(transport.OutboundMessage{
		ToUserID:   entry.Message.ReceiverID,
		Ciphertext: entry.Message.Ciphertext,
		Metadata: transport.SendMetadata{
			IV:       entry.Message.IV,
			ClientID: entry.Message.ClientID,
		},
		SenderPublicKey:   entry.Message.SenderPublicKey,
		ReceiverPublicKey: entry.Message.ReceiverPublicKey,
	})
}

// HandleEvent consumes one transport event.
func (r *Reconciler) HandleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventSendAcked:
		r.handleAck(ev.ClientID, ev.Message)
	case transport.EventSendRejected:
		r.handleRejection(ev.ClientID, ev.Reason, ev.Details)
	case transport.EventMessageReceived:
		if ev.Message != nil {
			r.HandleIncoming(ctx, ev.Message)
		}
	}
}

// handleAck transitions exactly one pending entry to confirmed, adopting the
// server id and timestamp in place. Never appends a duplicate row.
func (r *Reconciler) handleAck(clientID string, serverMsg *model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byClientID[clientID]
	if !ok {
		log.Debug("ack for unknown client id", zap.String("client_id", clientID))
		return
	}
	if entry.Status == StatusConfirmed {
		return
	}
	if serverMsg != nil {
		entry.Message.ID = serverMsg.ID
		if !serverMsg.SentAt.IsZero() {
			entry.Message.SentAt = serverMsg.SentAt
		}
	}
	entry.Status = StatusConfirmed
	if entry.Message.ID != "" {
		r.seen[entry.Message.ID] = struct{}{}
	}
}

// handleRejection marks the pending entry failed, preserving the plaintext
// for a resend.
func (r *Reconciler) handleRejection(clientID, reason, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byClientID[clientID]
	if !ok {
		log.Warn("rejection for unknown client id",
			zap.String("client_id", clientID), zap.String("reason", reason))
		return
	}
	entry.Status = StatusFailed
	entry.FailReason = reason
	if details != "" {
		entry.FailReason = reason + ": " + details
	}
}

// HandleIncoming appends one delivered message, deduplicated by server id and
// client id. Messages for a conversation other than the active one update
// unread state instead of rendering.
func (r *Reconciler) HandleIncoming(ctx context.Context, msg *model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// an echo of a send from THIS session reconciles to the pending entry
	// rather than appending a second row
	if msg.ClientID != "" {
		if entry, ok := r.byClientID[msg.ClientID]; ok {
			if entry.Status != StatusConfirmed {
				entry.Message.ID = msg.ID
				if !msg.SentAt.IsZero() {
					entry.Message.SentAt = msg.SentAt
				}
				entry.Status = StatusConfirmed
			}
			if msg.ID != "" {
				r.seen[msg.ID] = struct{}{}
			}
			return
		}
	}
	if msg.ID != "" {
		if _, dup := r.seen[msg.ID]; dup {
			return
		}
	}

	counterpart := r.counterpartOf(msg)
	r.appendIncomingLocked(ctx, msg, counterpart)

	if counterpart != r.active && msg.SenderID != r.sess.LocalID() {
		r.unread.Increment(counterpart)
	}
}

// counterpartOf also encodes the echo directionality rule: when the sender is
// the local identity (the message came from another of our own sessions), the
// conversation partner and the decryption snapshot are the RECEIVER's,
// because we are the sender and must rebuild the key we encrypted with.
func (r *Reconciler) counterpartOf(msg *model.Message) string {
	if msg.SenderID == r.sess.LocalID() {
		return msg.ReceiverID
	}
	return msg.SenderID
}

func (r *Reconciler) appendIncomingLocked(ctx context.Context, msg *model.Message, counterpart string) {
	if msg.ID != "" {
		if _, dup := r.seen[msg.ID]; dup {
			return
		}
	}

	entry := &Entry{Message: *msg}

	snapshot := msg.SenderPublicKey
	if msg.SenderID == r.sess.LocalID() {
		snapshot = msg.ReceiverPublicKey
	}
	plaintext, err := r.decrypt(ctx, counterpart, snapshot, msg)
	if err != nil {
		// one bad message never aborts the stream
		log.Warn("undecryptable message",
			zap.String("message_id", msg.ID), zap.Error(err))
		entry.Status = StatusUndecryptable
	} else {
		entry.Status = StatusConfirmed
		entry.Plaintext = plaintext
	}

	r.entries[counterpart] = append(r.entries[counterpart], entry)
	if msg.ID != "" {
		r.seen[msg.ID] = struct{}{}
	}
	if msg.ClientID != "" {
		r.byClientID[msg.ClientID] = entry
	}
}

// decrypt prefers the embedded snapshot (no network call); only a message
// without snapshots falls back to a directory fetch of the current key.
func (r *Reconciler) decrypt(ctx context.Context, counterpart, snapshot string, msg *model.Message) (string, error) {
	pub := snapshot
	if pub == "" {
		fetched, err := r.counterpartKeyLocked(ctx, counterpart)
		if err != nil {
			return "", err
		}
		pub = fetched
	}

	key, err := r.sess.SessionKey(counterpart, pub)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return "", err
	}
	plain, err := engine.Decrypt(key, iv, ct)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (r *Reconciler) counterpartKey(ctx context.Context, counterpartID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counterpartKeyLocked(ctx, counterpartID)
}

func (r *Reconciler) counterpartKeyLocked(ctx context.Context, counterpartID string) (string, error) {
	if pub, ok := r.knownKeys[counterpartID]; ok {
		return pub, nil
	}
	pub, err := r.dir.PublicKeyOf(ctx, counterpartID)
	if err != nil {
		return "", err
	}
	r.knownKeys[counterpartID] = pub
	return pub, nil
}

// CounterpartKeyChanged is called when a counterpart regenerated keys: both
// the cached directory key and the derived session key are invalidated.
func (r *Reconciler) CounterpartKeyChanged(counterpartID string) {
	r.mu.Lock()
	delete(r.knownKeys, counterpartID)
	r.mu.Unlock()
	r.sess.InvalidateKey(counterpartID)
}
