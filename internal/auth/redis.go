package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// grantData is what the web application stores per opaque token.
type grantData struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ProjectID   string `json:"project_id,omitempty"`
}

// RedisVerifier resolves opaque tokens against grants the web application
// writes into redis. The grant's TTL is the token lifetime; a missing key is
// indistinguishable from an expired one.
type RedisVerifier struct {
	client *redis.Client
	prefix string
}

// NewRedisVerifier connects to redis and checks the connection once.
func NewRedisVerifier(redisURL string) (*RedisVerifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisVerifierWithClient(client), nil
}

// NewRedisVerifierWithClient wraps an existing client.
func NewRedisVerifierWithClient(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client, prefix: "collab:"}
}

func (v *RedisVerifier) key(tokenHash string) string {
	return v.prefix + tokenHash
}

func (v *RedisVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	jsonData, err := v.client.Get(ctx, v.key(HashToken(token))).Result()
	if err == redis.Nil {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup token: %w", err)
	}

	var data grantData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return Identity{}, fmt.Errorf("unmarshal grant: %w", err)
	}
	if data.UserID == "" || data.DisplayName == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: data.UserID, Name: data.DisplayName, Project: data.ProjectID}, nil
}

// Grant stores a token grant with expiration. Production grants come from
// the web application; this exists for tests and local tooling.
func (v *RedisVerifier) Grant(ctx context.Context, token string, id Identity, ttl time.Duration) error {
	jsonData, err := json.Marshal(grantData{
		UserID:      id.UserID,
		DisplayName: id.Name,
		ProjectID:   id.Project,
	})
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := v.client.Set(ctx, v.key(HashToken(token)), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}

// Revoke deletes a grant before its TTL runs out.
func (v *RedisVerifier) Revoke(ctx context.Context, token string) error {
	if err := v.client.Del(ctx, v.key(HashToken(token))).Err(); err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return nil
}

// Ping checks if redis is reachable.
func (v *RedisVerifier) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

// Close closes the redis connection.
func (v *RedisVerifier) Close() error {
	return v.client.Close()
}
