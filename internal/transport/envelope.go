package transport

import (
	"encoding/json"
	"fmt"

	"e2e_dm/internal/model"
)

// Socket frame types. Outbound carries the encrypted payload; the three
// inbound kinds cover delivery, acknowledgment and rejection.
const (
	frameSend    = "secure:send"
	frameReceive = "secure:receive"
	frameSent    = "secure:sent"
	frameError   = "secure:error"
)

type (
	// OutboundMessage is the secure:send payload. The server never sees
	// plaintext; ciphertext and iv are base64.
	OutboundMessage struct {
		ToUserID          string       `json:"to_user_id"`
		Ciphertext        string       `json:"ciphertext"`
		Metadata          SendMetadata `json:"metadata"`
		SenderPublicKey   string       `json:"sender_public_key"`
		ReceiverPublicKey string       `json:"receiver_public_key"`
	}

	SendMetadata struct {
		IV       string `json:"iv"`
		ClientID string `json:"client_id"`
	}

	// InboundEnvelope is the one canonical shape inbound frames are
	// normalized into at the transport boundary. Nothing downstream ever
	// sees the raw aliased field names.
	InboundEnvelope struct {
		Type     string
		ClientID string
		Message  *model.Message
		Reason   string
		Details  string
	}

	frame struct {
		Type    string          `json:"type"`
		Event   string          `json:"event,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	// ack and error payloads arrive with the correlation id under either
	// naming convention depending on the emitting side
	ackPayload struct {
		ClientID      string         `json:"client_id"`
		ClientIDCamel string         `json:"clientId"`
		Message       *model.Message `json:"message"`
	}

	errorPayload struct {
		ClientID      string `json:"client_id"`
		ClientIDCamel string `json:"clientId"`
		Message       string `json:"message"`
		Details       string `json:"details"`
	}

	receivePayload struct {
		Message *model.Message `json:"message"`
	}
)

func (p ackPayload) clientID() string {
	if p.ClientID != "" {
		return p.ClientID
	}
	return p.ClientIDCamel
}

func (p errorPayload) clientID() string {
	if p.ClientID != "" {
		return p.ClientID
	}
	return p.ClientIDCamel
}

// normalizeInbound parses a raw frame into the canonical envelope.
func normalizeInbound(data []byte) (*InboundEnvelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	kind := f.Type
	if kind == "" {
		kind = f.Event
	}
	payload := f.Payload
	if payload == nil {
		payload = f.Data
	}

	switch kind {
	case frameReceive:
		var p receivePayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Message == nil {
			// some emitters put the message at the payload root
			var msg model.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
			}
			p.Message = &msg
		}
		return &InboundEnvelope{Type: frameReceive, Message: p.Message, ClientID: p.Message.ClientID}, nil

	case frameSent:
		var p ackPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		cid := p.clientID()
		if cid == "" && p.Message != nil {
			cid = p.Message.ClientID
		}
		return &InboundEnvelope{Type: frameSent, ClientID: cid, Message: p.Message}, nil

	case frameError:
		var p errorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
		}
		return &InboundEnvelope{Type: frameError, ClientID: p.clientID(), Reason: p.Message, Details: p.Details}, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", kind)
	}
}
