package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"e2e_dm/internal/model"
	keyRepo "e2e_dm/internal/repository/keys"
	msgRepo "e2e_dm/internal/repository/messages"
	redisSvc "e2e_dm/internal/service/redis"
	"e2e_dm/internal/utils/log"
)

// Reference server for the messaging core: the key directory, ciphertext
// history, unread bootstrap and the realtime socket channel. It stores only
// public keys, opaque wrapped private keys and ciphertext, never plaintext.

type (
	HttpServer struct {
		hub          *hub
		keys         *keyRepo.KeyRepo
		messages     *msgRepo.MessageRepo
		redisService *redisSvc.RedisService
		tokens       TokenConfig
	}
)

func NewHttpServer(keys *keyRepo.KeyRepo, messages *msgRepo.MessageRepo, redisService *redisSvc.RedisService, tokens TokenConfig) *HttpServer {
	return &HttpServer{
		hub:          newHub(),
		keys:         keys,
		messages:     messages,
		redisService: redisService,
		tokens:       tokens,
	}
}

func (s *HttpServer) Run(addr string) error {
	return http.ListenAndServe(addr, s.Router())
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/login", s.HandleLogin()).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)

	r.HandleFunc("/messages/public-key", s.HandleOwnKeys()).Methods(http.MethodGet)
	r.HandleFunc("/messages/public-key", s.HandlePublishKeys()).Methods(http.MethodPost)
	r.HandleFunc("/messages/public-key/{userId}", s.HandlePublicKeyOf()).Methods(http.MethodGet)
	r.HandleFunc("/messages/unread/count", s.HandleUnreadCount()).Methods(http.MethodGet)
	r.HandleFunc("/messages/unread/by-conversation", s.HandleUnreadByConversation()).Methods(http.MethodGet)
	r.HandleFunc("/messages/conversation/{userId}", s.HandleConversation()).Methods(http.MethodGet)
	r.HandleFunc("/messages/{messageId}/read", s.HandleMarkRead()).Methods(http.MethodPut)
	r.HandleFunc("/messages", s.HandleConversations()).Methods(http.MethodGet)

	return r
}

// HandleLogin mints the session credential. Real user authentication belongs
// to the surrounding application; this endpoint trusts the caller's identity
// claim and exists so the core has a concrete credential source.
func (s *HttpServer) HandleLogin() http.HandlerFunc {
	type request struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	type response struct {
		Token string `json:"token"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		token, err := CreateToken(req.UserID, req.Email, s.tokens)
		if err != nil {
			log.Error("mint token failed", zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, response{Token: token})
	}
}

func (s *HttpServer) HandleOwnKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}

		rec, err := s.keys.Get(r.Context(), claims.UserID)
		if err != nil {
			log.Error("fetch own keys failed", zap.Error(err))
			http.Error(w, "fetch keys failed", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "no published key", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	}
}

func (s *HttpServer) HandlePublicKeyOf() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authenticate(w, r) == nil {
			return
		}
		userID := mux.Vars(r)["userId"]

		rec, err := s.keys.Get(r.Context(), userID)
		if err != nil {
			log.Error("fetch public key failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "fetch key failed", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "no published key", http.StatusNotFound)
			return
		}
		// never leak another user's wrapped private key
		writeJSON(w, model.KeyRecord{UserID: rec.UserID, PublicKey: rec.PublicKey, UpdatedAt: rec.UpdatedAt})
	}
}

func (s *HttpServer) HandlePublishKeys() http.HandlerFunc {
	type request struct {
		PublicKey           string            `json:"public_key"`
		EncryptedPrivateKey *model.WrappedKey `json:"encrypted_private_key,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
			http.Error(w, "public_key is required", http.StatusBadRequest)
			return
		}

		rec := &model.KeyRecord{
			UserID:              claims.UserID,
			PublicKey:           req.PublicKey,
			EncryptedPrivateKey: req.EncryptedPrivateKey,
		}
		if req.EncryptedPrivateKey == nil {
			// keep the previously stored wrapped key on a public-only republish
			if existing, err := s.keys.Get(r.Context(), claims.UserID); err == nil && existing != nil {
				rec.EncryptedPrivateKey = existing.EncryptedPrivateKey
			}
		}

		if err := s.keys.Upsert(r.Context(), rec); err != nil {
			log.Error("publish keys failed", zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HttpServer) HandleConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}
		out, err := s.messages.Conversations(r.Context(), claims.UserID)
		if err != nil {
			log.Error("list conversations failed", zap.Error(err))
			http.Error(w, "list failed", http.StatusInternalServerError)
			return
		}
		if out == nil {
			out = []model.ConversationSummary{}
		}
		writeJSON(w, out)
	}
}

func (s *HttpServer) HandleConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}
		counterpartID := mux.Vars(r)["userId"]

		out, err := s.messages.Conversation(r.Context(), claims.UserID, counterpartID)
		if err != nil {
			log.Error("load conversation failed", zap.Error(err))
			http.Error(w, "load failed", http.StatusInternalServerError)
			return
		}
		if out == nil {
			out = []model.Message{}
		}
		writeJSON(w, out)
	}
}

func (s *HttpServer) HandleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}
		messageID := mux.Vars(r)["messageId"]

		if err := s.messages.MarkRead(r.Context(), messageID, claims.UserID, time.Now()); err != nil {
			log.Error("mark read failed", zap.String("message_id", messageID), zap.Error(err))
			http.Error(w, "mark read failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HttpServer) HandleUnreadCount() http.HandlerFunc {
	type response struct {
		Total int `json:"total"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}
		total, err := s.messages.UnreadCount(r.Context(), claims.UserID)
		if err != nil {
			log.Error("unread count failed", zap.Error(err))
			http.Error(w, "unread count failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, response{Total: total})
	}
}

func (s *HttpServer) HandleUnreadByConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := s.authenticate(w, r)
		if claims == nil {
			return
		}
		out, err := s.messages.UnreadByConversation(r.Context(), claims.UserID)
		if err != nil {
			log.Error("unread by conversation failed", zap.Error(err))
			http.Error(w, "unread fetch failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, out)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", zap.Error(err))
	}
}
