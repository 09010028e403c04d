package repository

const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// VideoItem is one entry of a room's queue. The currently playing item is a
// copy of the queue entry it was selected from.
type VideoItem struct {
	OriginalURL string `json:"original_url"`
	StreamURL   string `json:"stream_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	Title       string `json:"title,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	IsLive      bool   `json:"is_live,omitempty"`
	AddedBy     string `json:"added_by,omitempty"`
	Pinned      bool   `json:"pinned,omitempty"`
}

// RoomState is the persisted shape of a room. Runtime-only fields (active
// connections, wall-clock sync anchor, empty-since stamp) are not stored.
type RoomState struct {
	Video        *VideoItem        `json:"video_data"`
	IsPlaying    bool              `json:"is_playing"`
	Timestamp    float64           `json:"timestamp"`
	Queue        []VideoItem       `json:"queue"`
	PlayingIndex int               `json:"playing_index"`
	Roles        map[string]string `json:"roles"`
	Permanent    bool              `json:"permanent"`
	SavedAt      int64             `json:"saved_at"`
}

// Token is an opaque credential used by the browser extension to sync
// cookies without going through the auth proxy.
type Token struct {
	ID         string `json:"id"`
	UserEmail  string `json:"user_email"`
	Name       string `json:"name"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at"`
	LastSyncAt *int64 `json:"last_sync_at"`
	Revoked    bool   `json:"revoked"`
	SyncCount  int    `json:"sync_count"`
}
