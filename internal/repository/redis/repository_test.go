package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchtogether/server/internal/repository"
)

func newTestRepo(t *testing.T) (*repo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewRepo(rc), mr
}

func TestRoomRoundTrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	state := repository.RoomState{
		Video:        &repository.VideoItem{OriginalURL: "https://example.com/v", Title: "first"},
		IsPlaying:    true,
		Timestamp:    42.5,
		Queue:        []repository.VideoItem{{OriginalURL: "https://example.com/v", Pinned: true}},
		PlayingIndex: 0,
		Roles:        map[string]string{"a@example.com": repository.RoleAdmin},
		SavedAt:      time.Now().Unix(),
	}

	require.NoError(t, r.SaveRoom(ctx, "lobby", state))

	got, err := r.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	rooms, err := r.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
	assert.Contains(t, rooms, "lobby")
}

func TestGetRoomNotFound(t *testing.T) {
	r, _ := newTestRepo(t)

	_, err := r.GetRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestDeleteRoomRemovesFromSet(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.SaveRoom(ctx, "lobby", repository.RoomState{PlayingIndex: -1}))
	require.NoError(t, r.DeleteRoom(ctx, "lobby"))

	_, err := r.GetRoom(ctx, "lobby")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)

	rooms, err := r.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestListRoomsHealsDanglingID(t *testing.T) {
	r, mr := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.SaveRoom(ctx, "lobby", repository.RoomState{PlayingIndex: -1}))
	mr.Del(r.getRoomKey("lobby"))

	rooms, err := r.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestCookies(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.GetUserCookies(ctx, "a@example.com")
	assert.ErrorIs(t, err, repository.ErrCookiesNotFound)

	has, err := r.UserHasCookies(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, r.SaveUserCookies(ctx, "a@example.com", "# Netscape HTTP Cookie File\n"))

	content, err := r.GetUserCookies(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "# Netscape HTTP Cookie File\n", content)

	has, err = r.UserHasCookies(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, r.DeleteUserCookies(ctx, "a@example.com"))
	_, err = r.GetUserCookies(ctx, "a@example.com")
	assert.ErrorIs(t, err, repository.ErrCookiesNotFound)
}

func TestTokenRoundTrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	token := repository.Token{
		ID:        "wt_ext_abc123",
		UserEmail: "a@example.com",
		Name:      "extension",
		CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, r.SaveToken(ctx, token))

	got, err := r.GetToken(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	got, err = r.GetUserToken(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestDeleteUserToken(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.DeleteUserToken(ctx, "a@example.com"), repository.ErrTokenNotFound)

	token := repository.Token{ID: "wt_ext_abc123", UserEmail: "a@example.com"}
	require.NoError(t, r.SaveToken(ctx, token))
	require.NoError(t, r.DeleteUserToken(ctx, "a@example.com"))

	_, err := r.GetToken(ctx, token.ID)
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)
	_, err = r.GetUserToken(ctx, "a@example.com")
	assert.ErrorIs(t, err, repository.ErrTokenNotFound)
}

func TestFormatTTL(t *testing.T) {
	r, mr := newTestRepo(t)
	ctx := context.Background()

	_, err := r.GetFormat(ctx, "deadbeef")
	assert.ErrorIs(t, err, repository.ErrFormatNotFound)

	require.NoError(t, r.SaveFormat(ctx, "deadbeef", []byte(`{"video_url":"v"}`), time.Hour))

	raw, err := r.GetFormat(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"video_url":"v"}`), raw)

	mr.FastForward(2 * time.Hour)

	_, err = r.GetFormat(ctx, "deadbeef")
	assert.ErrorIs(t, err, repository.ErrFormatNotFound)
}
