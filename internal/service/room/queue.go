package room

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
)

type QueueUpdateResponse struct {
	Queue        []repository.VideoItem
	PlayingIndex int
	Conns        []*websocket.Conn
}

type PlayVideoResponse struct {
	// Video is nil when playback stopped instead of advancing.
	Video        *repository.VideoItem
	Queue        []repository.VideoItem
	PlayingIndex int
	Conns        []*websocket.Conn
}

type SetVideoParams struct {
	RoomID string
	Video  repository.VideoItem
}

// SetVideo prepends the item to the queue and starts playing it immediately.
func (s *service) SetVideo(ctx context.Context, params *SetVideoParams) (PlayVideoResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return PlayVideoResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.queue = append([]repository.VideoItem{params.Video}, st.queue...)
	st.playingIndex = 0
	video := params.Video
	st.video = &video
	st.timestamp = 0
	st.isPlaying = true
	st.lastSyncTime = time.Now()
	s.persist(ctx, params.RoomID, st)

	return s.playVideoResponseLocked(params.RoomID, st), nil
}

type AddToQueueParams struct {
	RoomID string
	Video  repository.VideoItem
}

func (s *service) AddToQueue(ctx context.Context, params *AddToQueueParams) (QueueUpdateResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return QueueUpdateResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.queue = append(st.queue, params.Video)
	s.persist(ctx, params.RoomID, st)

	return s.queueUpdateResponseLocked(params.RoomID, st), nil
}

type RemoveFromQueueParams struct {
	RoomID string
	Index  int
}

// RemoveFromQueue drops one queue entry. The currently playing entry is
// refused; the queue is returned unchanged so clients re-render consistently.
func (s *service) RemoveFromQueue(ctx context.Context, params *RemoveFromQueueParams) (QueueUpdateResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return QueueUpdateResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if params.Index >= 0 && params.Index < len(st.queue) && params.Index != st.playingIndex {
		st.queue = append(st.queue[:params.Index], st.queue[params.Index+1:]...)
		if st.playingIndex > params.Index {
			st.playingIndex--
		}
		s.persist(ctx, params.RoomID, st)
	}

	return s.queueUpdateResponseLocked(params.RoomID, st), nil
}

type ReorderQueueParams struct {
	RoomID   string
	OldIndex int
	NewIndex int
}

func (s *service) ReorderQueue(ctx context.Context, params *ReorderQueueParams) (QueueUpdateResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return QueueUpdateResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	oldIdx, newIdx := params.OldIndex, params.NewIndex
	if oldIdx >= 0 && oldIdx < len(st.queue) && newIdx >= 0 && newIdx < len(st.queue) {
		item := st.queue[oldIdx]
		st.queue = append(st.queue[:oldIdx], st.queue[oldIdx+1:]...)
		rest := append([]repository.VideoItem{}, st.queue[newIdx:]...)
		st.queue = append(append(st.queue[:newIdx:newIdx], item), rest...)

		switch {
		case st.playingIndex == oldIdx:
			st.playingIndex = newIdx
		case oldIdx < st.playingIndex && st.playingIndex <= newIdx:
			st.playingIndex--
		case newIdx <= st.playingIndex && st.playingIndex < oldIdx:
			st.playingIndex++
		}
		s.persist(ctx, params.RoomID, st)
	}

	return s.queueUpdateResponseLocked(params.RoomID, st), nil
}

type TogglePinParams struct {
	RoomID string
	Index  int
}

func (s *service) TogglePin(ctx context.Context, params *TogglePinParams) (QueueUpdateResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return QueueUpdateResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if params.Index >= 0 && params.Index < len(st.queue) {
		st.queue[params.Index].Pinned = !st.queue[params.Index].Pinned
		s.persist(ctx, params.RoomID, st)
	}

	return s.queueUpdateResponseLocked(params.RoomID, st), nil
}

type PlayFromQueueParams struct {
	RoomID string
	Index  int
}

// PlayFromQueue makes a specific queue entry current. The previously playing
// entry leaves the queue first unless pinned, with the target index adjusted
// when it sat past the removed slot.
func (s *service) PlayFromQueue(ctx context.Context, params *PlayFromQueueParams) (PlayVideoResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return PlayVideoResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	index := params.Index
	if st.playingIndex >= 0 && st.playingIndex < len(st.queue) && !st.queue[st.playingIndex].Pinned {
		st.queue = append(st.queue[:st.playingIndex], st.queue[st.playingIndex+1:]...)
		if index > st.playingIndex {
			index--
		}
	}

	if index < 0 || index >= len(st.queue) {
		return s.playVideoResponseLocked(params.RoomID, st), nil
	}

	video := st.queue[index]
	st.video = &video
	st.timestamp = 0
	st.isPlaying = true
	st.playingIndex = index
	st.lastSyncTime = time.Now()
	s.persist(ctx, params.RoomID, st)

	return s.playVideoResponseLocked(params.RoomID, st), nil
}

type AdvanceToNextParams struct {
	RoomID string
}

// AdvanceToNext handles playback end. An unpinned finished item leaves the
// queue and its successor shifts into its slot; a pinned item stays and play
// moves on, wrapping to the front only when other items exist. With nothing
// left to play the room stops.
func (s *service) AdvanceToNext(ctx context.Context, params *AdvanceToNextParams) (PlayVideoResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return PlayVideoResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	wasPinned := false
	if st.playingIndex >= 0 && st.playingIndex < len(st.queue) {
		wasPinned = st.queue[st.playingIndex].Pinned
		if !wasPinned {
			st.queue = append(st.queue[:st.playingIndex], st.queue[st.playingIndex+1:]...)
		}
	}

	nextIndex := -1
	if wasPinned {
		switch {
		case st.playingIndex+1 < len(st.queue):
			nextIndex = st.playingIndex + 1
		case len(st.queue) > 1:
			nextIndex = 0
		}
	} else if len(st.queue) > 0 {
		nextIndex = st.playingIndex
		if nextIndex > len(st.queue)-1 {
			nextIndex = len(st.queue) - 1
		}
	}

	if nextIndex >= 0 {
		video := st.queue[nextIndex]
		st.video = &video
		st.timestamp = 0
		st.isPlaying = true
		st.playingIndex = nextIndex
	} else {
		st.video = nil
		st.isPlaying = false
		st.playingIndex = -1
	}
	st.lastSyncTime = time.Now()
	s.persist(ctx, params.RoomID, st)

	return s.playVideoResponseLocked(params.RoomID, st), nil
}

func (s *service) queueUpdateResponseLocked(roomID string, st *roomState) QueueUpdateResponse {
	queue := make([]repository.VideoItem, len(st.queue))
	copy(queue, st.queue)
	return QueueUpdateResponse{
		Queue:        queue,
		PlayingIndex: st.playingIndex,
		Conns:        s.connRepo.GetByRoomID(roomID),
	}
}

func (s *service) playVideoResponseLocked(roomID string, st *roomState) PlayVideoResponse {
	queue := make([]repository.VideoItem, len(st.queue))
	copy(queue, st.queue)

	var video *repository.VideoItem
	if st.video != nil {
		v := *st.video
		video = &v
	}

	return PlayVideoResponse{
		Video:        video,
		Queue:        queue,
		PlayingIndex: st.playingIndex,
		Conns:        s.connRepo.GetByRoomID(roomID),
	}
}
