package model

import "time"

type (
	// Message is the wire and storage form of one encrypted direct message.
	// ID is empty until the server acknowledges the send; ClientID is the
	// sender-generated correlation id and never changes. The public-key
	// snapshots are the keys as they existed at send time, so the message
	// stays decryptable after either party rotates keys.
	Message struct {
		ID                string     `json:"id,omitempty" bson:"id,omitempty"`
		ClientID          string     `json:"client_id" bson:"client_id"`
		SenderID          string     `json:"sender_id" bson:"sender_id"`
		ReceiverID        string     `json:"receiver_id" bson:"receiver_id"`
		Ciphertext        string     `json:"ciphertext" bson:"ciphertext"`
		IV                string     `json:"iv" bson:"iv"`
		SenderPublicKey   string     `json:"sender_public_key" bson:"sender_public_key"`
		ReceiverPublicKey string     `json:"receiver_public_key" bson:"receiver_public_key"`
		SentAt            time.Time  `json:"sent_at" bson:"sent_at"`
		ReadAt            *time.Time `json:"read_at,omitempty" bson:"read_at,omitempty"`
	}

	// ConversationSummary is one row of the conversation list.
	ConversationSummary struct {
		CounterpartID   string    `json:"counterpart_id" bson:"counterpart_id"`
		CounterpartName string    `json:"counterpart_name" bson:"counterpart_name"`
		LastSentAt      time.Time `json:"last_sent_at" bson:"last_sent_at"`
	}

	// UnreadCounts is the server's view of unread state, fetched on mount.
	UnreadCounts struct {
		Total          int            `json:"total"`
		ByConversation map[string]int `json:"by_conversation"`
	}
)
