package auth

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"gigcrew/internal/config"
	"gigcrew/internal/redis"
	"gigcrew/internal/storage"
)

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	client, token, err := svc.RegisterClient(context.Background(), "weaver-ui")
	if err != nil {
		t.Fatalf("RegisterClient error: %v", err)
	}
	if token == "" || len(token) != 64 {
		t.Fatalf("expected 32 byte hex token, got %q", token)
	}
	clientID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || clientID != client.ID {
		t.Fatalf("ValidateToken failed: id=%d err=%v", clientID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(context.Background(), client.ID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeClientTokens(context.Background(), client.ID); err != nil {
		t.Fatalf("RevokeClientTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, 10*time.Millisecond)
	_, token, err := svc.RegisterClient(context.Background(), "short-lived")
	if err != nil {
		t.Fatalf("RegisterClient error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM client_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestDeleteClient(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	client, token, err := svc.RegisterClient(context.Background(), "temp")
	if err != nil {
		t.Fatalf("RegisterClient error: %v", err)
	}
	if err := svc.DeleteClient(context.Background(), client.ID); err != nil {
		t.Fatalf("DeleteClient error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err == nil {
		t.Fatalf("token should be gone with the client")
	}
	if err := svc.DeleteClient(context.Background(), client.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if _, _, err := svc.RegisterClient(context.Background(), "  "); err == nil {
		t.Fatalf("blank name should be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil, time.Hour)
	client, token, err := svc.RegisterClient(context.Background(), "mw")
	if err != nil {
		t.Fatalf("RegisterClient error: %v", err)
	}
	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := ClientIDFromContext(c)
		tok, _ := AuthTokenFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "same": tok == token})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	want := `{"id":` + strconv.FormatInt(client.ID, 10) + `,"same":true}`
	if rec.Code != http.StatusOK || rec.Body.String() != want {
		t.Fatalf("valid token: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	client, token, err := svc.RegisterClient(ctx, "cached")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	raw := cacheClient.Raw()
	key := redisTokenPrefix + token
	got, err := raw.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != strconv.FormatInt(client.ID, 10) {
		t.Fatalf("expected client %d in rdb, got %s", client.ID, got)
	}

	_, _ = db.Exec(`DELETE FROM client_tokens WHERE token = ?`, token)
	clientID, err := svc.ValidateToken(ctx, token)
	if err != nil || clientID != client.ID {
		t.Fatalf("ValidateToken via rdb failed: id=%d err=%v", clientID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := raw.Get(ctx, key).Result(); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and rdb delete")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: filepath.Join(t.TempDir(), "auth.db"),
			},
		},
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
	cfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port}}
	client, err := redis.NewRedisClient(cfg)
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
