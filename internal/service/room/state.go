package room

import (
	"sort"
	"sync"
	"time"

	"github.com/watchtogether/server/internal/repository"
)

// roomState holds one room's live state. Every read and mutation happens
// under mu so concurrent clients never observe a partial update; the
// heartbeat reads its extrapolated position under the same lock.
type roomState struct {
	mu sync.Mutex

	video        *repository.VideoItem
	isPlaying    bool
	timestamp    float64
	lastSyncTime time.Time
	queue        []repository.VideoItem
	playingIndex int
	roles        map[string]string
	permanent    bool
	emptySince   time.Time
}

func newRoomState() *roomState {
	return &roomState{
		lastSyncTime: time.Now(),
		playingIndex: -1,
		roles:        make(map[string]string),
	}
}

func roomStateFromPersisted(saved repository.RoomState, now time.Time) *roomState {
	st := &roomState{
		video:        saved.Video,
		isPlaying:    saved.IsPlaying,
		timestamp:    saved.Timestamp,
		lastSyncTime: now,
		queue:        saved.Queue,
		playingIndex: saved.PlayingIndex,
		roles:        saved.Roles,
		permanent:    saved.Permanent,
	}
	if st.roles == nil {
		st.roles = make(map[string]string)
	}
	return st
}

// currentTimestampLocked extrapolates the playback position by elapsed wall
// clock. Live streams have no fixed position, so their timestamp is frozen.
func (st *roomState) currentTimestampLocked(now time.Time) float64 {
	if st.isPlaying && st.video != nil && !st.video.IsLive {
		return st.timestamp + now.Sub(st.lastSyncTime).Seconds()
	}
	return st.timestamp
}

func (st *roomState) snapshotLocked(now time.Time) repository.RoomState {
	queue := make([]repository.VideoItem, len(st.queue))
	copy(queue, st.queue)

	var video *repository.VideoItem
	if st.video != nil {
		v := *st.video
		video = &v
	}

	roles := make(map[string]string, len(st.roles))
	for k, v := range st.roles {
		roles[k] = v
	}

	return repository.RoomState{
		Video:        video,
		IsPlaying:    st.isPlaying,
		Timestamp:    st.currentTimestampLocked(now),
		Queue:        queue,
		PlayingIndex: st.playingIndex,
		Roles:        roles,
		Permanent:    st.permanent,
		SavedAt:      now.Unix(),
	}
}

// Member is one entry of a room's deduplicated membership list.
type Member struct {
	Email string `json:"email"`
}

// SyncPayload is the full room state as sent to clients.
type SyncPayload struct {
	VideoData    *repository.VideoItem `json:"video_data"`
	IsPlaying    bool                  `json:"is_playing"`
	Timestamp    float64               `json:"timestamp"`
	Queue        []repository.VideoItem `json:"queue"`
	PlayingIndex int                   `json:"playing_index"`
	Roles        map[string]string     `json:"roles"`
	Permanent    bool                  `json:"permanent"`
	Members      []Member              `json:"members"`
	YourEmail    string                `json:"your_email,omitempty"`
}

func (st *roomState) syncPayloadLocked(now time.Time, members []Member) SyncPayload {
	snap := st.snapshotLocked(now)
	return SyncPayload{
		VideoData:    snap.Video,
		IsPlaying:    snap.IsPlaying,
		Timestamp:    snap.Timestamp,
		Queue:        snap.Queue,
		PlayingIndex: snap.PlayingIndex,
		Roles:        snap.Roles,
		Permanent:    snap.Permanent,
		Members:      members,
	}
}

func (s *service) membersOf(roomID string) []Member {
	emails := s.connRepo.GetEmails(roomID)
	sort.Strings(emails)
	members := make([]Member, 0, len(emails))
	for _, email := range emails {
		members = append(members, Member{Email: email})
	}
	return members
}
