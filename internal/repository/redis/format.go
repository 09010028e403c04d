package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/watchtogether/server/internal/repository"
)

func (r repo) GetFormat(ctx context.Context, urlHash string) ([]byte, error) {
	raw, err := r.rc.Get(ctx, r.getFormatKey(urlHash)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, repository.ErrFormatNotFound
		}
		return nil, fmt.Errorf("failed to get format: %w", err)
	}

	return raw, nil
}

func (r repo) SaveFormat(ctx context.Context, urlHash string, data []byte, ttl time.Duration) error {
	if err := r.rc.Set(ctx, r.getFormatKey(urlHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save format: %w", err)
	}

	return nil
}
