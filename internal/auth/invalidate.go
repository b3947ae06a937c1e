package auth

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"
)

const redisInvalidateChannel = "auth:invalidate"

type invalidateMessage struct {
	UserID int64 `json:"user_id"`
}

// StartInvalidationListener drops cached accounts when another instance
// changes them. It returns immediately without a redis client.
func (s *Service) StartInvalidationListener(ctx context.Context) {
	raw := s.cache.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, redisInvalidateChannel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					s.log.Warn("account invalidation decode failed", zap.Error(err))
					continue
				}
				s.forgetUser(inv.UserID)
			}
		}
	}()
}

// publishInvalidation tells other instances to drop a cached account.
func (s *Service) publishInvalidation(ctx context.Context, userID int64) {
	raw := s.cache.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(invalidateMessage{UserID: userID})
	if err != nil {
		return
	}
	if err := raw.Publish(ctx, redisInvalidateChannel, payload).Err(); err != nil {
		s.log.Warn("publish account invalidation failed",
			zap.String("user", strconv.FormatInt(userID, 10)), zap.Error(err))
	}
}
