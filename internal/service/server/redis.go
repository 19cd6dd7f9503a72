package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"e2e_dm/internal/model"
	"e2e_dm/internal/utils/log"
)

// Offline delivery queue: messages for a user with no open sessions wait in
// Redis and flush on their next connect. Read state is unaffected; these are
// still unread until acknowledged over REST.

func offlineKey(userID string) string {
	return fmt.Sprintf("e2e_dm:offline:%s", userID)
}

func (s *HttpServer) queueOffline(ctx context.Context, to string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.redisService.RPush(ctx, offlineKey(to), data)
}

func (s *HttpServer) flushOffline(ctx context.Context, sess *wsSession) {
	key := offlineKey(sess.userID)
	vals, err := s.redisService.LRange(ctx, key)
	if err != nil {
		log.Error("read offline queue failed", zap.Error(err))
		return
	}
	if len(vals) == 0 {
		return
	}
	if err := s.redisService.Del(ctx, key); err != nil {
		log.Error("clear offline queue failed", zap.Error(err))
	}

	for _, v := range vals {
		var msg model.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			log.Error("decode queued message failed", zap.Error(err))
			continue
		}
		if err := sess.write(receiveFrame(&msg)); err != nil {
			return
		}
	}
}
