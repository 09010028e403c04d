package redis

import (
	"github.com/redis/go-redis/v9"
)

type repo struct {
	rc *redis.Client
}

func NewRepo(rc *redis.Client) *repo {
	return &repo{rc: rc}
}

func (r repo) getRoomKey(roomID string) string {
	return "room:" + roomID
}

func (r repo) getRoomsSetKey() string {
	return "rooms"
}

func (r repo) getUserCookiesKey(userEmail string) string {
	return "user:" + userEmail + ":cookies"
}

func (r repo) getUserTokenKey(userEmail string) string {
	return "user:" + userEmail + ":token"
}

func (r repo) getTokenKey(tokenID string) string {
	return "token:" + tokenID
}

func (r repo) getFormatKey(urlHash string) string {
	return "format:" + urlHash
}
