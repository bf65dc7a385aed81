package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QRCache is the coordinator's short-lived pairing code cache. Entries expire
// with the code itself, so a hit is always servable without re-checking the
// gateway. The cache is bookkeeping the coordinator owns; it never stands in
// for the persisted session row.
type QRCache struct {
	redis *redis.Client
}

func NewQRCache(redisClient *redis.Client) *QRCache {
	return &QRCache{redis: redisClient}
}

func (c *QRCache) key(session string) string {
	return fmt.Sprintf("wa:qr:%s", session)
}

type cachedQR struct {
	QRCode    string    `json:"qrCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Put caches a pairing code until its expiry. Already-expired codes are not
// stored.
func (c *QRCache) Put(ctx context.Context, session, code string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cachedQR{QRCode: code, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("coordinator: marshal cached qr: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(session), data, ttl).Err(); err != nil {
		return fmt.Errorf("coordinator: cache qr: %w", err)
	}
	return nil
}

// Get returns the cached pairing code for a session, or "" on a miss. A code
// whose recorded expiry has passed counts as a miss even if the key is still
// present.
func (c *QRCache) Get(ctx context.Context, session string) (string, error) {
	data, err := c.redis.Get(ctx, c.key(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coordinator: get cached qr: %w", err)
	}

	var entry cachedQR
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("coordinator: unmarshal cached qr: %w", err)
	}
	if !time.Now().Before(entry.ExpiresAt) {
		return "", nil
	}
	return entry.QRCode, nil
}

// Clear drops the cached code for a session. Missing keys are not an error.
func (c *QRCache) Clear(ctx context.Context, session string) error {
	if err := c.redis.Del(ctx, c.key(session)).Err(); err != nil {
		return fmt.Errorf("coordinator: clear cached qr: %w", err)
	}
	return nil
}
