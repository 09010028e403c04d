package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/watchtogether/server/internal/repository"
)

func (r repo) GetUserCookies(ctx context.Context, userEmail string) (string, error) {
	content, err := r.rc.Get(ctx, r.getUserCookiesKey(userEmail)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", repository.ErrCookiesNotFound
		}
		return "", fmt.Errorf("failed to get user cookies: %w", err)
	}

	return content, nil
}

func (r repo) SaveUserCookies(ctx context.Context, userEmail, content string) error {
	if err := r.rc.Set(ctx, r.getUserCookiesKey(userEmail), content, 0).Err(); err != nil {
		return fmt.Errorf("failed to save user cookies: %w", err)
	}

	return nil
}

func (r repo) DeleteUserCookies(ctx context.Context, userEmail string) error {
	if err := r.rc.Del(ctx, r.getUserCookiesKey(userEmail)).Err(); err != nil {
		return fmt.Errorf("failed to delete user cookies: %w", err)
	}

	return nil
}

func (r repo) UserHasCookies(ctx context.Context, userEmail string) (bool, error) {
	res, err := r.rc.Exists(ctx, r.getUserCookiesKey(userEmail)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check user cookies: %w", err)
	}

	return res > 0, nil
}
