package room

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type UpdatePlaybackParams struct {
	RoomID    string
	Sender    *websocket.Conn
	IsPlaying *bool
	Timestamp *float64
}

type UpdatePlaybackResponse struct {
	// Conns excludes the sender, who already applied the change locally.
	Conns []*websocket.Conn
}

// UpdatePlayback merges play state and position changes. The sync anchor is
// refreshed only when the update actually touches playback, so metadata-only
// updates cannot drift the clock.
func (s *service) UpdatePlayback(ctx context.Context, params *UpdatePlaybackParams) (UpdatePlaybackResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return UpdatePlaybackResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	if params.IsPlaying != nil {
		st.isPlaying = *params.IsPlaying
	}
	if params.Timestamp != nil {
		st.timestamp = *params.Timestamp
	}
	if params.IsPlaying != nil || params.Timestamp != nil {
		st.lastSyncTime = time.Now()
	}
	s.persist(ctx, params.RoomID, st)
	st.mu.Unlock()

	conns := make([]*websocket.Conn, 0)
	for _, conn := range s.connRepo.GetByRoomID(params.RoomID) {
		if conn != params.Sender {
			conns = append(conns, conn)
		}
	}

	return UpdatePlaybackResponse{Conns: conns}, nil
}

type GetSyncPayloadResponse struct {
	Sync SyncPayload
}

// GetSyncPayload reads the room's extrapolated state under its lock.
func (s *service) GetSyncPayload(_ context.Context, roomID string) (GetSyncPayloadResponse, error) {
	st, ok := s.getRoom(roomID)
	if !ok {
		return GetSyncPayloadResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return GetSyncPayloadResponse{Sync: st.syncPayloadLocked(time.Now(), s.membersOf(roomID))}, nil
}

type HeartbeatUpdate struct {
	RoomID    string
	Timestamp float64
	Conns     []*websocket.Conn
}

// HeartbeatTick collects drift corrections for every playing room that has
// at least one listener. Positions are read under each room's lock.
func (s *service) HeartbeatTick(_ context.Context) []HeartbeatUpdate {
	s.mu.RLock()
	rooms := maps.Clone(s.rooms)
	s.mu.RUnlock()

	now := time.Now()
	var updates []HeartbeatUpdate
	for roomID, st := range rooms {
		conns := s.connRepo.GetByRoomID(roomID)
		if len(conns) == 0 {
			continue
		}

		st.mu.Lock()
		playing := st.isPlaying
		ts := st.currentTimestampLocked(now)
		st.mu.Unlock()

		if !playing {
			continue
		}
		updates = append(updates, HeartbeatUpdate{RoomID: roomID, Timestamp: ts, Conns: conns})
	}

	return updates
}
