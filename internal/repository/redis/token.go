package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/watchtogether/server/internal/repository"
)

func (r repo) SaveToken(ctx context.Context, token repository.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pipe := r.rc.TxPipeline()
	pipe.Set(ctx, r.getTokenKey(token.ID), raw, 0)
	pipe.Set(ctx, r.getUserTokenKey(token.UserEmail), token.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

func (r repo) GetToken(ctx context.Context, tokenID string) (repository.Token, error) {
	raw, err := r.rc.Get(ctx, r.getTokenKey(tokenID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return repository.Token{}, repository.ErrTokenNotFound
		}
		return repository.Token{}, fmt.Errorf("failed to get token: %w", err)
	}

	var token repository.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return repository.Token{}, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return token, nil
}

func (r repo) GetUserToken(ctx context.Context, userEmail string) (repository.Token, error) {
	tokenID, err := r.rc.Get(ctx, r.getUserTokenKey(userEmail)).Result()
	if err != nil {
		if err == redis.Nil {
			return repository.Token{}, repository.ErrTokenNotFound
		}
		return repository.Token{}, fmt.Errorf("failed to get user token id: %w", err)
	}

	return r.GetToken(ctx, tokenID)
}

func (r repo) DeleteUserToken(ctx context.Context, userEmail string) error {
	tokenID, err := r.rc.Get(ctx, r.getUserTokenKey(userEmail)).Result()
	if err != nil {
		if err == redis.Nil {
			return repository.ErrTokenNotFound
		}
		return fmt.Errorf("failed to get user token id: %w", err)
	}

	pipe := r.rc.TxPipeline()
	pipe.Del(ctx, r.getTokenKey(tokenID))
	pipe.Del(ctx, r.getUserTokenKey(userEmail))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user token: %w", err)
	}

	return nil
}
