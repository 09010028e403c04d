package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/watchtogether/server/internal/repository"
)

func (r repo) GetRoom(ctx context.Context, roomID string) (repository.RoomState, error) {
	raw, err := r.rc.Get(ctx, r.getRoomKey(roomID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return repository.RoomState{}, repository.ErrRoomNotFound
		}
		return repository.RoomState{}, fmt.Errorf("failed to get room: %w", err)
	}

	var state repository.RoomState
	if err := json.Unmarshal(raw, &state); err != nil {
		return repository.RoomState{}, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	return state, nil
}

func (r repo) SaveRoom(ctx context.Context, roomID string, state repository.RoomState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	pipe := r.rc.TxPipeline()
	pipe.Set(ctx, r.getRoomKey(roomID), raw, 0)
	pipe.SAdd(ctx, r.getRoomsSetKey(), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}

	return nil
}

func (r repo) DeleteRoom(ctx context.Context, roomID string) error {
	pipe := r.rc.TxPipeline()
	pipe.Del(ctx, r.getRoomKey(roomID))
	pipe.SRem(ctx, r.getRoomsSetKey(), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	return nil
}

func (r repo) ListRooms(ctx context.Context) (map[string]repository.RoomState, error) {
	roomIDs, err := r.rc.SMembers(ctx, r.getRoomsSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list room ids: %w", err)
	}

	rooms := make(map[string]repository.RoomState, len(roomIDs))
	for _, roomID := range roomIDs {
		state, err := r.GetRoom(ctx, roomID)
		if err != nil {
			if err == repository.ErrRoomNotFound {
				// id set and room key can drift; self-heal
				r.rc.SRem(ctx, r.getRoomsSetKey(), roomID)
				continue
			}
			return nil, err
		}
		rooms[roomID] = state
	}

	return rooms, nil
}
