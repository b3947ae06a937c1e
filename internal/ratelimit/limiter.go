package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docflow/internal/config"
)

// Limiter is one named concern (uploads, chat turns, ...) with its own
// window configuration on a shared Store.
type Limiter struct {
	name   string
	max    int
	window time.Duration
	store  Store
	log    *zap.Logger
}

func NewLimiter(name string, max int, window time.Duration, store Store, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{name: name, max: max, window: window, store: store, log: log}
}

func (l *Limiter) Name() string { return l.name }

// Key builds the conventional "<concern>:<id>" limiter key.
func (l *Limiter) Key(id string) string {
	return l.name + ":" + id
}

// UserKey is Key for a numeric user id.
func (l *Limiter) UserKey(userID int64) string {
	return l.Key(strconv.FormatInt(userID, 10))
}

// Allow reports whether key may proceed. A failing store admits the request
// and logs the error.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	ok, err := l.store.Allow(ctx, key, l.max, l.window)
	if err != nil {
		l.log.Warn("rate limit store failed, admitting request",
			zap.String("limiter", l.name), zap.String("key", key), zap.Error(err))
		return true
	}
	if !ok {
		l.log.Info("rate limit exceeded", zap.String("limiter", l.name), zap.String("key", key))
	}
	return ok
}

// Middleware rejects requests with 429 when the key returned by keyFn is over
// its window. Requests for which keyFn reports false pass through.
func (l *Limiter) Middleware(keyFn func(*gin.Context) (string, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := keyFn(c)
		if !ok {
			c.Next()
			return
		}
		if !l.Allow(c.Request.Context(), key) {
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "too many requests",
				"message": "rate limit exceeded, please retry later",
			})
			return
		}
		c.Next()
	}
}

// Set holds the per-concern limiters.
type Set struct {
	Upload *Limiter
	Chat   *Limiter
	Auth   *Limiter
	Global *Limiter
}

func NewSet(cfg config.LimitsConfig, store Store, log *zap.Logger) *Set {
	return &Set{
		Upload: NewLimiter("upload", cfg.Upload.MaxRequests, cfg.Upload.Window(), store, log),
		Chat:   NewLimiter("chat", cfg.Chat.MaxRequests, cfg.Chat.Window(), store, log),
		Auth:   NewLimiter("auth", cfg.Auth.MaxRequests, cfg.Auth.Window(), store, log),
		Global: NewLimiter("global", cfg.Global.MaxRequests, cfg.Global.Window(), store, log),
	}
}
