package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_dm/internal/model"
	"e2e_dm/internal/utils/log"
)

// Socket channel. Frames mirror the client transport: inbound secure:send,
// outbound secure:receive / secure:sent / secure:error.

type (
	wsFrame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	sendPayload struct {
		ToUserID          string `json:"to_user_id"`
		Ciphertext        string `json:"ciphertext"`
		SenderPublicKey   string `json:"sender_public_key"`
		ReceiverPublicKey string `json:"receiver_public_key"`
		Metadata          struct {
			IV       string `json:"iv"`
			ClientID string `json:"client_id"`
		} `json:"metadata"`
	}
)

func marshalFrame(frameType string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal frame payload failed", zap.Error(err))
		return nil
	}
	data, err := json.Marshal(wsFrame{Type: frameType, Payload: raw})
	if err != nil {
		log.Error("marshal frame failed", zap.Error(err))
		return nil
	}
	return data
}

func receiveFrame(msg *model.Message) []byte {
	return marshalFrame("secure:receive", map[string]any{"message": msg})
}

func sentFrame(clientID string, msg *model.Message) []byte {
	return marshalFrame("secure:sent", map[string]any{"client_id": clientID, "message": msg})
}

func errorFrame(clientID, reason, details string) []byte {
	payload := map[string]any{"message": reason}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	if details != "" {
		payload["details"] = details
	}
	return marshalFrame("secure:error", payload)
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// credential check happens before the upgrade, so a rejected dial
		// surfaces to the client as an HTTP 401
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		sess := &wsSession{userID: claims.UserID, conn: conn}
		s.hub.register(sess)
		log.Info("socket connected", zap.String("user_id", claims.UserID))

		s.flushOffline(r.Context(), sess)
		go s.readLoop(sess)
	}
}

func (s *HttpServer) readLoop(sess *wsSession) {
	defer func() {
		s.hub.unregister(sess)
		sess.close()
		log.Debug("socket closed", zap.String("user_id", sess.userID))
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "secure:send" {
			sess.write(errorFrame("", "unsupported frame", ""))
			continue
		}
		var p sendPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			sess.write(errorFrame("", "malformed payload", err.Error()))
			continue
		}
		s.handleSend(sess, &p)
	}
}

func (s *HttpServer) handleSend(sess *wsSession, p *sendPayload) {
	clientID := p.Metadata.ClientID
	if p.ToUserID == "" || p.Ciphertext == "" || p.Metadata.IV == "" || clientID == "" {
		sess.write(errorFrame(clientID, "missing fields", "to_user_id, ciphertext, iv and client_id are required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the receiver must exist in the directory before anything is stored
	if rec, err := s.keys.Get(ctx, p.ToUserID); err != nil || rec == nil {
		sess.write(errorFrame(clientID, "receiver unknown", "no published key for "+p.ToUserID))
		return
	}

	msg := &model.Message{
		ID:                uuid.NewString(),
		ClientID:          clientID,
		SenderID:          sess.userID,
		ReceiverID:        p.ToUserID,
		Ciphertext:        p.Ciphertext,
		IV:                p.Metadata.IV,
		SenderPublicKey:   p.SenderPublicKey,
		ReceiverPublicKey: p.ReceiverPublicKey,
		SentAt:            time.Now(),
	}

	if err := s.messages.Insert(ctx, msg); err != nil {
		log.Error("store message failed", zap.Error(err))
		sess.write(errorFrame(clientID, "store failed", ""))
		return
	}

	// ack the sending session, echo to the sender's other sessions
	sess.write(sentFrame(clientID, msg))
	s.hub.deliver(sess.userID, receiveFrame(msg), sess)

	// deliver to the receiver, or queue for their next connect
	if p.ToUserID != sess.userID {
		if delivered := s.hub.deliver(p.ToUserID, receiveFrame(msg), nil); delivered == 0 {
			if err := s.queueOffline(ctx, p.ToUserID, msg); err != nil {
				log.Error("queue offline message failed", zap.Error(err))
			}
		}
	}
}
