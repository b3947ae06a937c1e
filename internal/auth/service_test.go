package auth

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"docflow/internal/config"
	"docflow/internal/models"
	"docflow/internal/redis"
	"docflow/internal/storage"

	"github.com/gin-gonic/gin"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

// seedAccount inserts an account with the given status and returns its id.
func seedAccount(t *testing.T, db *sql.DB, email string, status models.UserStatus) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (email, password_hash, status, is_admin, created_at) VALUES (?, '', ?, 0, ?)`,
		email, status, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

func countTokens(t *testing.T, db *sql.DB, userID int64) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE user_id = ?`, userID).Scan(&n); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	return n
}

func TestValidateTokenErrors(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	if _, err := svc.ValidateToken(ctx, ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("empty token: want ErrTokenRequired, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "deadbeef"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: want ErrInvalidToken, got %v", err)
	}
	if _, err := svc.IssueToken(ctx, 0); err == nil {
		t.Fatalf("expected error issuing a token for user 0")
	}
}

func TestExpiredTokenIsPurged(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	uid := seedAccount(t, db, "frank@example.com", models.StatusApproved)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(db, nil, 30*time.Minute)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, uid)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(29 * time.Minute)
	if got, err := svc.ValidateToken(ctx, token); err != nil || got != uid {
		t.Fatalf("token should still be valid: id=%d err=%v", got, err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
	if n := countTokens(t, db, uid); n != 0 {
		t.Fatalf("expired token left in store: %d rows", n)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("purged token: want ErrInvalidToken, got %v", err)
	}
}

func TestRevokeUserTokensOnlyTouchesThatUser(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	gina := seedAccount(t, db, "gina@example.com", models.StatusApproved)
	hank := seedAccount(t, db, "hank@example.com", models.StatusApproved)
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	g1, _ := svc.IssueToken(ctx, gina)
	g2, _ := svc.IssueToken(ctx, gina)
	h1, _ := svc.IssueToken(ctx, hank)

	if err := svc.RevokeToken(ctx, g1); err != nil {
		t.Fatalf("revoke one: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, g1); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token still valid: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, g2); err != nil {
		t.Fatalf("sibling token revoked too: %v", err)
	}

	if err := svc.RevokeUserTokens(ctx, gina); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n := countTokens(t, db, gina); n != 0 {
		t.Fatalf("gina still has %d tokens", n)
	}
	if got, err := svc.ValidateToken(ctx, h1); err != nil || got != hank {
		t.Fatalf("other user's token affected: id=%d err=%v", got, err)
	}
}

// A user rejected after logging in keeps a valid token but is refused by
// RequireApproved on the next request.
func TestRejectedUserRefusedAfterTokenValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	uid := seedAccount(t, db, "ivan@example.com", models.StatusApproved)
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()
	token, err := svc.IssueToken(ctx, uid)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/docs", svc.Middleware(), RequireApproved(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	get := func(useCookie bool) int {
		req := httptest.NewRequest(http.MethodGet, "/docs", nil)
		if useCookie {
			req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := get(false); code != http.StatusNoContent {
		t.Fatalf("approved user via header: got %d", code)
	}
	if code := get(true); code != http.StatusNoContent {
		t.Fatalf("approved user via cookie: got %d", code)
	}

	for _, status := range []models.UserStatus{models.StatusRejected, models.StatusPending} {
		if err := svc.SetStatus(ctx, uid, status); err != nil {
			t.Fatalf("set %s: %v", status, err)
		}
		if _, err := svc.ValidateToken(ctx, token); err != nil {
			t.Fatalf("token should survive a status change: %v", err)
		}
		if code := get(false); code != http.StatusForbidden {
			t.Fatalf("%s user: got %d want 403", status, code)
		}
	}
}

func TestRevokeUserTokensClearsRedisCache(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	uid := seedAccount(t, db, "judy@example.com", models.StatusApproved)

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()
	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()
	raw := cacheClient.Raw()

	t1, _ := svc.IssueToken(ctx, uid)
	t2, _ := svc.IssueToken(ctx, uid)
	for _, tok := range []string{t1, t2} {
		got, err := raw.Get(ctx, redisTokenPrefix+tok).Result()
		if err != nil || got != strconv.FormatInt(uid, 10) {
			t.Fatalf("token not cached: %q %v", got, err)
		}
	}

	// the cache answers even when the row is gone
	_, _ = db.Exec(`DELETE FROM user_tokens WHERE token = ?`, t1)
	if got, err := svc.ValidateToken(ctx, t1); err != nil || got != uid {
		t.Fatalf("cached validation failed: id=%d err=%v", got, err)
	}
	_, _ = db.Exec(`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		t1, uid, time.Now().UTC(), time.Now().UTC().Add(time.Hour))

	if err := svc.RevokeUserTokens(ctx, uid); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, tok := range []string{t1, t2} {
		if _, err := raw.Get(ctx, redisTokenPrefix+tok).Result(); err == nil {
			t.Fatalf("cache entry for %s survived", tok)
		}
		if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("revoked token still validates: %v", err)
		}
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return client, func() { client.Close() }
}
