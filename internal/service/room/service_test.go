package room

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchtogether/server/internal/repository"
	"github.com/watchtogether/server/internal/repository/connection/inmemory"
	redisrepo "github.com/watchtogether/server/internal/repository/redis"
)

func newTestService(t *testing.T) *service {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	return NewService(Config{EmptyRoomTTL: 5 * time.Minute},
		redisrepo.NewRepo(rc), inmemory.NewRepo(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func connect(t *testing.T, s *service, roomID, email string) *websocket.Conn {
	t.Helper()
	conn := &websocket.Conn{}
	_, err := s.Connect(context.Background(), &ConnectParams{Conn: conn, RoomID: roomID, Email: email})
	require.NoError(t, err)
	return conn
}

func item(url string) repository.VideoItem {
	return repository.VideoItem{OriginalURL: url, Title: url}
}

func requireIndexInvariant(t *testing.T, s *service, roomID string) {
	t.Helper()
	st, ok := s.getRoom(roomID)
	require.True(t, ok)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.playingIndex != -1 {
		require.GreaterOrEqual(t, st.playingIndex, 0)
		require.Less(t, st.playingIndex, len(st.queue))
	}
}

func TestFirstConnectorBecomesAdmin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	connA := &websocket.Conn{}
	res, err := s.Connect(ctx, &ConnectParams{Conn: connA, RoomID: "room1", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, repository.RoleAdmin, res.Sync.Roles["a@example.com"])
	assert.Equal(t, "a@example.com", res.Sync.YourEmail)
	assert.Equal(t, []Member{{Email: "a@example.com"}}, res.Members)

	connB := &websocket.Conn{}
	res, err = s.Connect(ctx, &ConnectParams{Conn: connB, RoomID: "room1", Email: "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, repository.RoleAdmin, res.Sync.Roles["a@example.com"])
	assert.Equal(t, repository.RoleUser, res.Sync.Roles["b@example.com"])
	assert.Len(t, res.Conns, 2)
}

func TestReconnectKeepsRole(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	connA := connect(t, s, "room1", "a@example.com")
	connect(t, s, "room1", "b@example.com")

	_, err := s.Disconnect(ctx, connA)
	require.NoError(t, err)

	res, err := s.Connect(ctx, &ConnectParams{Conn: &websocket.Conn{}, RoomID: "room1", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, repository.RoleAdmin, res.Sync.Roles["a@example.com"])
}

func TestUpdatePlaybackRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	playing := false
	ts := 3.2
	_, err := s.UpdatePlayback(ctx, &UpdatePlaybackParams{RoomID: "room1", IsPlaying: &playing, Timestamp: &ts})
	require.NoError(t, err)

	res, err := s.GetSyncPayload(ctx, "room1")
	require.NoError(t, err)
	assert.False(t, res.Sync.IsPlaying)
	assert.Equal(t, 3.2, res.Sync.Timestamp)
}

func TestSyncPayloadExtrapolatesWhilePlaying(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "room1", Video: item("https://x/1")})
	require.NoError(t, err)

	st, _ := s.getRoom("room1")
	st.mu.Lock()
	st.timestamp = 10
	st.lastSyncTime = time.Now().Add(-5 * time.Second)
	st.mu.Unlock()

	res, err := s.GetSyncPayload(ctx, "room1")
	require.NoError(t, err)
	assert.InDelta(t, 15, res.Sync.Timestamp, 0.5)
}

func TestSyncPayloadFrozenForLiveStreams(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	live := item("https://x/live")
	live.IsLive = true
	_, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "room1", Video: live})
	require.NoError(t, err)

	st, _ := s.getRoom("room1")
	st.mu.Lock()
	st.timestamp = 10
	st.lastSyncTime = time.Now().Add(-5 * time.Second)
	st.mu.Unlock()

	res, err := s.GetSyncPayload(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Sync.Timestamp)
}

func TestUpdatePlaybackExcludesSender(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	connA := connect(t, s, "room1", "a@example.com")
	connB := connect(t, s, "room1", "b@example.com")

	playing := true
	res, err := s.UpdatePlayback(ctx, &UpdatePlaybackParams{RoomID: "room1", Sender: connA, IsPlaying: &playing})
	require.NoError(t, err)
	require.Len(t, res.Conns, 1)
	assert.Same(t, connB, res.Conns[0])
}

func TestSetVideoPrependsAndPlays(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item("https://x/old")})
	require.NoError(t, err)

	res, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "room1", Video: item("https://x/new")})
	require.NoError(t, err)

	require.NotNil(t, res.Video)
	assert.Equal(t, "https://x/new", res.Video.OriginalURL)
	assert.Equal(t, 0, res.PlayingIndex)
	require.Len(t, res.Queue, 2)
	assert.Equal(t, "https://x/new", res.Queue[0].OriginalURL)
	requireIndexInvariant(t, s, "room1")
}

func TestRemoveFromQueueRefusesPlayingIndex(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "room1", Video: item("https://x/1")})
	require.NoError(t, err)
	_, err = s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item("https://x/2")})
	require.NoError(t, err)

	res, err := s.RemoveFromQueue(ctx, &RemoveFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)
	assert.Len(t, res.Queue, 2)
	assert.Equal(t, 0, res.PlayingIndex)
}

func TestRemoveBeforePlayingIndexShiftsIt(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"https://x/1", "https://x/2", "https://x/3"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 2})
	require.NoError(t, err)

	res, err := s.RemoveFromQueue(ctx, &RemoveFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)
	assert.Len(t, res.Queue, 2)
	assert.Equal(t, 1, res.PlayingIndex)
	requireIndexInvariant(t, s, "room1")
}

func TestReorderMovesPlayingItem(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"A", "B", "C"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)

	res, err := s.ReorderQueue(ctx, &ReorderQueueParams{RoomID: "room1", OldIndex: 0, NewIndex: 2})
	require.NoError(t, err)

	require.Len(t, res.Queue, 3)
	assert.Equal(t, "B", res.Queue[0].OriginalURL)
	assert.Equal(t, "C", res.Queue[1].OriginalURL)
	assert.Equal(t, "A", res.Queue[2].OriginalURL)
	assert.Equal(t, 2, res.PlayingIndex)
	requireIndexInvariant(t, s, "room1")
}

func TestReorderShiftsPlayingIndexAroundMove(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"A", "B", "C"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 1})
	require.NoError(t, err)

	// move A past the playing item B
	res, err := s.ReorderQueue(ctx, &ReorderQueueParams{RoomID: "room1", OldIndex: 0, NewIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Queue[0].OriginalURL)
	assert.Equal(t, 0, res.PlayingIndex)
	requireIndexInvariant(t, s, "room1")
}

func TestTogglePinIsIdempotentInPairs(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item("https://x/1")})
	require.NoError(t, err)

	res, err := s.TogglePin(ctx, &TogglePinParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)
	assert.True(t, res.Queue[0].Pinned)

	res, err = s.TogglePin(ctx, &TogglePinParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)
	assert.False(t, res.Queue[0].Pinned)
}

func TestPlayFromQueueRemovesUnpinnedPrevious(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"A", "B", "C"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)

	res, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 2})
	require.NoError(t, err)

	require.NotNil(t, res.Video)
	assert.Equal(t, "C", res.Video.OriginalURL)
	require.Len(t, res.Queue, 2)
	assert.Equal(t, "B", res.Queue[0].OriginalURL)
	assert.Equal(t, 1, res.PlayingIndex)
	requireIndexInvariant(t, s, "room1")
}

func TestAdvanceToNextRemovesUnpinnedFinishedItem(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"A", "B"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)

	res, err := s.AdvanceToNext(ctx, &AdvanceToNextParams{RoomID: "room1"})
	require.NoError(t, err)

	require.NotNil(t, res.Video)
	assert.Equal(t, "B", res.Video.OriginalURL)
	require.Len(t, res.Queue, 1)
	assert.Equal(t, 0, res.PlayingIndex)
}

func TestAdvanceToNextKeepsPinnedItemAndWraps(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	for _, u := range []string{"A", "B"} {
		_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item(u)})
		require.NoError(t, err)
	}
	_, err := s.TogglePin(ctx, &TogglePinParams{RoomID: "room1", Index: 1})
	require.NoError(t, err)
	_, err = s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 1})
	require.NoError(t, err)

	res, err := s.AdvanceToNext(ctx, &AdvanceToNextParams{RoomID: "room1"})
	require.NoError(t, err)

	// pinned finisher stays queued, play wraps to the front
	require.NotNil(t, res.Video)
	assert.Equal(t, "A", res.Video.OriginalURL)
	require.Len(t, res.Queue, 2)
	assert.Equal(t, 0, res.PlayingIndex)
}

func TestAdvanceToNextStopsOnLonePinnedItem(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "room1", Video: item("A")})
	require.NoError(t, err)
	_, err = s.TogglePin(ctx, &TogglePinParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)
	_, err = s.PlayFromQueue(ctx, &PlayFromQueueParams{RoomID: "room1", Index: 0})
	require.NoError(t, err)

	res, err := s.AdvanceToNext(ctx, &AdvanceToNextParams{RoomID: "room1"})
	require.NoError(t, err)

	assert.Nil(t, res.Video)
	assert.Equal(t, -1, res.PlayingIndex)
	require.Len(t, res.Queue, 1)

	sync, err := s.GetSyncPayload(ctx, "room1")
	require.NoError(t, err)
	assert.False(t, sync.Sync.IsPlaying)
}

func TestAdvanceToNextOnEmptyQueueStops(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "room1", Video: item("A")})
	require.NoError(t, err)

	res, err := s.AdvanceToNext(ctx, &AdvanceToNextParams{RoomID: "room1"})
	require.NoError(t, err)
	assert.Nil(t, res.Video)
	assert.Empty(t, res.Queue)
	assert.Equal(t, -1, res.PlayingIndex)
}

func TestPromoteRequiresAdmin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")
	connect(t, s, "room1", "b@example.com")

	_, err := s.Promote(ctx, &PromoteParams{RoomID: "room1", Requester: "b@example.com", Target: "b@example.com", Role: repository.RoleAdmin})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	res, err := s.Promote(ctx, &PromoteParams{RoomID: "room1", Requester: "a@example.com", Target: "b@example.com", Role: repository.RoleModerator})
	require.NoError(t, err)
	assert.Equal(t, repository.RoleModerator, res.Roles["b@example.com"])
}

func TestPromoteRejectsUnknownRole(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")

	_, err := s.Promote(ctx, &PromoteParams{RoomID: "room1", Requester: "a@example.com", Target: "a@example.com", Role: "owner"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestTogglePermanentAdminOnly(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	connect(t, s, "room1", "a@example.com")
	connect(t, s, "room1", "b@example.com")

	_, err := s.TogglePermanent(ctx, &TogglePermanentParams{RoomID: "room1", Requester: "b@example.com"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	res, err := s.TogglePermanent(ctx, &TogglePermanentParams{RoomID: "room1", Requester: "a@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Permanent)
}

func TestCleanupReclaimsEmptyRooms(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	conn := connect(t, s, "room1", "a@example.com")
	_, err := s.Disconnect(ctx, conn)
	require.NoError(t, err)

	st, _ := s.getRoom("room1")
	st.mu.Lock()
	st.emptySince = time.Now().Add(-10 * time.Minute)
	st.mu.Unlock()

	s.CleanupTick(ctx)

	_, ok := s.getRoom("room1")
	assert.False(t, ok)
	_, err = s.roomRepo.GetRoom(ctx, "room1")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestCleanupSparesPermanentRooms(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	conn := connect(t, s, "room1", "a@example.com")
	_, err := s.TogglePermanent(ctx, &TogglePermanentParams{RoomID: "room1", Requester: "a@example.com"})
	require.NoError(t, err)
	_, err = s.Disconnect(ctx, conn)
	require.NoError(t, err)

	st, _ := s.getRoom("room1")
	st.mu.Lock()
	st.emptySince = time.Now().Add(-10 * time.Minute)
	st.mu.Unlock()

	s.CleanupTick(ctx)

	_, ok := s.getRoom("room1")
	assert.True(t, ok)
}

func TestCleanupSparesReoccupiedRooms(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	conn := connect(t, s, "room1", "a@example.com")
	_, err := s.Disconnect(ctx, conn)
	require.NoError(t, err)

	st, _ := s.getRoom("room1")
	st.mu.Lock()
	st.emptySince = time.Now().Add(-10 * time.Minute)
	st.mu.Unlock()

	// someone reconnected between the stamp and the sweep
	connect(t, s, "room1", "b@example.com")
	s.CleanupTick(ctx)

	_, ok := s.getRoom("room1")
	assert.True(t, ok)
}

func TestHeartbeatTickOnlyPlayingRoomsWithListeners(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	connect(t, s, "playing", "a@example.com")
	_, err := s.SetVideo(ctx, &SetVideoParams{RoomID: "playing", Video: item("https://x/1")})
	require.NoError(t, err)

	connect(t, s, "paused", "b@example.com")

	conn := connect(t, s, "deserted", "c@example.com")
	_, err = s.SetVideo(ctx, &SetVideoParams{RoomID: "deserted", Video: item("https://x/2")})
	require.NoError(t, err)
	_, err = s.Disconnect(ctx, conn)
	require.NoError(t, err)

	updates := s.HeartbeatTick(ctx)
	require.Len(t, updates, 1)
	assert.Equal(t, "playing", updates[0].RoomID)
	assert.Len(t, updates[0].Conns, 1)
}

func TestLoadPersistedRestoresRooms(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.roomRepo.SaveRoom(ctx, "saved", repository.RoomState{
		Video:        &repository.VideoItem{OriginalURL: "https://x/1", Title: "t"},
		Timestamp:    42,
		Queue:        []repository.VideoItem{{OriginalURL: "https://x/1"}},
		PlayingIndex: 0,
		Roles:        map[string]string{"a@example.com": repository.RoleAdmin},
	}))

	require.NoError(t, s.LoadPersisted(ctx))

	res, err := s.GetSyncPayload(ctx, "saved")
	require.NoError(t, err)
	assert.Equal(t, 42.0, res.Sync.Timestamp)
	assert.Equal(t, repository.RoleAdmin, res.Sync.Roles["a@example.com"])
}

func TestListActiveRooms(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	connect(t, s, "occupied", "a@example.com")

	conn := connect(t, s, "queued", "b@example.com")
	_, err := s.AddToQueue(ctx, &AddToQueueParams{RoomID: "queued", Video: item("https://x/1")})
	require.NoError(t, err)
	_, err = s.Disconnect(ctx, conn)
	require.NoError(t, err)

	conn = connect(t, s, "abandoned", "c@example.com")
	_, err = s.Disconnect(ctx, conn)
	require.NoError(t, err)

	rooms := s.ListActiveRooms(ctx)
	ids := make(map[string]RoomSummary, len(rooms))
	for _, r := range rooms {
		ids[r.ID] = r
	}

	assert.Contains(t, ids, "occupied")
	assert.Contains(t, ids, "queued")
	assert.NotContains(t, ids, "abandoned")
	assert.Equal(t, 1, ids["occupied"].ActiveUsers)
	assert.Equal(t, 1, ids["queued"].QueueSize)
}
