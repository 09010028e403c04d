package room

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
)

// CleanupTick reclaims non-permanent rooms that have sat empty past the TTL.
// The connection count is re-checked under the room lock so a reconnect
// racing the sweep wins.
func (s *service) CleanupTick(ctx context.Context) {
	s.mu.RLock()
	candidates := maps.Clone(s.rooms)
	s.mu.RUnlock()

	now := time.Now()
	for roomID, st := range candidates {
		st.mu.Lock()
		stale := !st.permanent &&
			!st.emptySince.IsZero() &&
			now.Sub(st.emptySince) > s.cfg.EmptyRoomTTL &&
			s.connRepo.CountByRoomID(roomID) == 0
		st.mu.Unlock()

		if !stale {
			continue
		}

		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()

		if err := s.roomRepo.DeleteRoom(ctx, roomID); err != nil {
			s.logger.WarnContext(ctx, "failed to delete stale room", "room_id", roomID, "error", err)
		}
		s.logger.InfoContext(ctx, "cleaned up stale room", "room_id", roomID)
	}
}

// RoomSummary is one row of the public room listing.
type RoomSummary struct {
	ID           string  `json:"id"`
	ActiveUsers  int     `json:"active_users"`
	CurrentVideo *string `json:"current_video"`
	QueueSize    int     `json:"queue_size"`
}

// ListActiveRooms returns the rooms worth showing: those with a connection,
// a current video, or a non-empty queue.
func (s *service) ListActiveRooms(_ context.Context) []RoomSummary {
	s.mu.RLock()
	rooms := maps.Clone(s.rooms)
	s.mu.RUnlock()

	summaries := make([]RoomSummary, 0, len(rooms))
	for roomID, st := range rooms {
		activeUsers := s.connRepo.CountByRoomID(roomID)

		st.mu.Lock()
		var title *string
		if st.video != nil {
			t := st.video.Title
			title = &t
		}
		queueSize := len(st.queue)
		st.mu.Unlock()

		if activeUsers == 0 && title == nil && queueSize == 0 {
			continue
		}
		summaries = append(summaries, RoomSummary{
			ID:           roomID,
			ActiveUsers:  activeUsers,
			CurrentVideo: title,
			QueueSize:    queueSize,
		})
	}

	return summaries
}
