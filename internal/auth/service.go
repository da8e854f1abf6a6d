package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gigcrew/internal/models"
	"gigcrew/internal/redis"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

const (
	tokenCacheTTL    = 10 * time.Minute
	redisTokenPrefix = "auth:token:"
)

// Service registers API clients and issues, validates, and revokes their bearer tokens.
type Service struct {
	db         *sql.DB
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
}

// NewService constructs an auth service. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:         db,
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
	}
}

// RegisterClient creates a client and returns it with a fresh token.
func (s *Service) RegisterClient(ctx context.Context, name string) (*models.Client, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("client name required")
	}
	if len(name) > 100 {
		return nil, "", errors.New("client name too long")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO clients (name, created_at) VALUES (?, ?)`, name, now)
	if err != nil {
		return nil, "", fmt.Errorf("insert client: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("client id: %w", err)
	}
	token, err := s.IssueToken(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return &models.Client{ID: id, Name: name, CreatedAt: now}, token, nil
}

// DeleteClient removes the client; tokens, runs, and uploads cascade.
func (s *Service) DeleteClient(ctx context.Context, clientID int64) error {
	if err := s.RevokeClientTokens(ctx, clientID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IssueToken mints a new random token for the client and persists it.
func (s *Service) IssueToken(ctx context.Context, clientID int64) (string, error) {
	if clientID <= 0 {
		return "", errors.New("invalid client id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO client_tokens (token, client_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, clientID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, clientID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning the client id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, errors.New("token required")
	}
	if id, ok := s.cachedClient(ctx, authToken); ok {
		return id, nil
	}
	var clientID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, expires_at FROM client_tokens WHERE token = ?`, authToken,
	).Scan(&clientID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	now := time.Now().UTC()
	if now.After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE token = ?`, authToken)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, authToken, clientID, expires.Sub(now))
	return clientID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, tokenCacheKey(authToken))
	}
	return nil
}

// RevokeClientTokens removes all tokens belonging to the client.
func (s *Service) RevokeClientTokens(ctx context.Context, clientID int64) error {
	if clientID <= 0 {
		return nil
	}
	var keys []string
	if s.cache != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT token FROM client_tokens WHERE client_id = ?`, clientID)
		if err != nil {
			return fmt.Errorf("list client tokens: %w", err)
		}
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err != nil {
				rows.Close()
				return fmt.Errorf("scan client token: %w", err)
			}
			keys = append(keys, tokenCacheKey(token))
		}
		rows.Close()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("revoke client tokens: %w", err)
	}
	if len(keys) > 0 {
		_ = s.cache.Del(ctx, keys...)
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, authToken string, clientID int64, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if ttl > tokenCacheTTL {
		ttl = tokenCacheTTL
	}
	_ = s.cache.Set(ctx, tokenCacheKey(authToken), clientID, ttl)
}

func (s *Service) cachedClient(ctx context.Context, authToken string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	val, err := s.cache.Get(ctx, tokenCacheKey(authToken))
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func tokenCacheKey(token string) string {
	return redisTokenPrefix + token
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
