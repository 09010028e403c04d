package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
	"github.com/watchtogether/server/internal/service/room"
)

// Output is the outbound message envelope.
type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const guestIdentity = "Guest"

func (c controller) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room-id")
	userEmail := c.getIdentity(r)
	if userEmail == "" {
		userEmail = guestIdentity
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.InfoContext(r.Context(), "failed to upgrade connection", "error", err)
		return
	}

	ctx := r.Context()
	ctx = context.WithValue(ctx, roomIDCtxKey, roomID)
	ctx = context.WithValue(ctx, userEmailCtxKey, userEmail)
	ctx = context.WithValue(ctx, userAgentCtxKey, r.Header.Get("User-Agent"))

	connectResp, err := c.roomService.Connect(ctx, &room.ConnectParams{
		Conn:   conn,
		RoomID: roomID,
		Email:  userEmail,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to connect to room", "room_id", roomID, "error", err)
		conn.Close()
		return
	}

	c.logger.InfoContext(ctx, "user connected", "room_id", roomID, "user_email", userEmail)

	if err := c.writeToConn(ctx, conn, &Output{Type: "sync", Payload: connectResp.Sync}); err != nil {
		c.logger.DebugContext(ctx, "failed to write sync", "error", err)
	}

	// the joiner already learned the member list from sync
	others := make([]*websocket.Conn, 0, len(connectResp.Conns))
	for _, member := range connectResp.Conns {
		if member != conn {
			others = append(others, member)
		}
	}
	c.Broadcast(ctx, others, &Output{
		Type:    "user_joined",
		Payload: map[string]any{"email": userEmail, "members": connectResp.Members},
	})

	if err := c.getWSRouter().ServeConn(ctx, conn); err != nil {
		c.logger.DebugContext(ctx, "connection closed", "room_id", roomID, "error", err)
	}

	disconnectResp, err := c.roomService.Disconnect(ctx, conn)
	c.connWriteMu.Delete(conn)
	if err != nil {
		c.logger.DebugContext(ctx, "failed to disconnect", "error", err)
		return
	}

	c.logger.InfoContext(ctx, "user disconnected", "room_id", roomID, "user_email", userEmail)
	c.Broadcast(ctx, disconnectResp.Conns, &Output{
		Type:    "user_left",
		Payload: map[string]any{"members": disconnectResp.Members},
	})
}

// rawOrEmpty keeps rebroadcast payloads valid JSON when the sender omitted
// the payload field entirely.
func rawOrEmpty(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}

type playbackInput struct {
	Timestamp float64 `json:"timestamp"`
}

func (c controller) handlePlay(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input playbackInput
	if err := json.Unmarshal(rawOrEmpty(payload), &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	isPlaying := true
	resp, err := c.roomService.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		Sender:    conn,
		IsPlaying: &isPlaying,
		Timestamp: &input.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to update playback: %w", err)
	}

	c.Broadcast(ctx, resp.Conns, &Output{Type: "play", Payload: rawOrEmpty(payload)})
	return nil
}

func (c controller) handlePause(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input playbackInput
	if err := json.Unmarshal(rawOrEmpty(payload), &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	isPlaying := false
	resp, err := c.roomService.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		Sender:    conn,
		IsPlaying: &isPlaying,
		Timestamp: &input.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to update playback: %w", err)
	}

	c.Broadcast(ctx, resp.Conns, &Output{Type: "pause", Payload: rawOrEmpty(payload)})
	return nil
}

func (c controller) handleSeek(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input playbackInput
	if err := json.Unmarshal(rawOrEmpty(payload), &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	resp, err := c.roomService.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		Sender:    conn,
		Timestamp: &input.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to update playback: %w", err)
	}

	c.Broadcast(ctx, resp.Conns, &Output{Type: "seek", Payload: rawOrEmpty(payload)})
	return nil
}

type videoDataInput struct {
	VideoData *repository.VideoItem `json:"video_data"`
}

func (c controller) handleSetVideo(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input videoDataInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if input.VideoData == nil {
		return nil
	}

	video := *input.VideoData
	video.AddedBy = c.getUserEmailFromCtx(ctx)
	c.resolverService.StoreFormat(ctx, &video)

	resp, err := c.roomService.SetVideo(ctx, &room.SetVideoParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		Video:  video,
	})
	if err != nil {
		return fmt.Errorf("failed to set video: %w", err)
	}

	if resp.Video != nil {
		c.Broadcast(ctx, resp.Conns, &Output{
			Type:    "set_video",
			Payload: map[string]any{"video_data": resp.Video},
		})
		c.Broadcast(ctx, resp.Conns, &Output{
			Type:    "queue_update",
			Payload: map[string]any{"queue": resp.Queue, "playing_index": resp.PlayingIndex},
		})
	}

	videoURL := video.VideoURL
	if videoURL == "" {
		videoURL = video.StreamURL
	}
	go c.prefetchService.PrefetchInitial(context.WithoutCancel(ctx), videoURL, video.AudioURL)

	return nil
}

func (c controller) handleQueueAdd(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input videoDataInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if input.VideoData == nil {
		return nil
	}

	video := *input.VideoData
	video.AddedBy = c.getUserEmailFromCtx(ctx)
	c.resolverService.StoreFormat(ctx, &video)

	resp, err := c.roomService.AddToQueue(ctx, &room.AddToQueueParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		Video:  video,
	})
	if err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}

	c.broadcastQueueUpdate(ctx, resp)
	return nil
}

type queueIndexInput struct {
	Index int `json:"index"`
}

func (c controller) handleQueueRemove(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input queueIndexInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	resp, err := c.roomService.RemoveFromQueue(ctx, &room.RemoveFromQueueParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		Index:  input.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}

	c.broadcastQueueUpdate(ctx, resp)
	return nil
}

type queueReorderInput struct {
	OldIndex int `json:"old_index"`
	NewIndex int `json:"new_index"`
}

func (c controller) handleQueueReorder(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input queueReorderInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	resp, err := c.roomService.ReorderQueue(ctx, &room.ReorderQueueParams{
		RoomID:   c.getRoomIDFromCtx(ctx),
		OldIndex: input.OldIndex,
		NewIndex: input.NewIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to reorder queue: %w", err)
	}

	c.broadcastQueueUpdate(ctx, resp)
	return nil
}

func (c controller) handleQueuePin(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input queueIndexInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	resp, err := c.roomService.TogglePin(ctx, &room.TogglePinParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		Index:  input.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to toggle pin: %w", err)
	}

	c.broadcastQueueUpdate(ctx, resp)
	return nil
}

func (c controller) handleQueuePlay(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input queueIndexInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	resp, err := c.roomService.PlayFromQueue(ctx, &room.PlayFromQueueParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		Index:  input.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to play from queue: %w", err)
	}

	c.broadcastPlayVideo(ctx, resp)
	return nil
}

func (c controller) handleVideoEnded(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	resp, err := c.roomService.AdvanceToNext(ctx, &room.AdvanceToNextParams{
		RoomID: c.getRoomIDFromCtx(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to advance to next: %w", err)
	}

	c.broadcastPlayVideo(ctx, resp)
	return nil
}

type promoteInput struct {
	TargetEmail string `json:"target_email"`
	Role        string `json:"role"`
}

func (c controller) handlePromote(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input promoteInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if input.TargetEmail == "" || input.Role == "" {
		return nil
	}

	resp, err := c.roomService.Promote(ctx, &room.PromoteParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		Requester: c.getUserEmailFromCtx(ctx),
		Target:    input.TargetEmail,
		Role:      input.Role,
	})
	if err != nil {
		// unauthorized promotes are a silent no-op
		if errors.Is(err, room.ErrPermissionDenied) {
			return nil
		}
		return fmt.Errorf("failed to promote: %w", err)
	}

	c.Broadcast(ctx, resp.Conns, &Output{
		Type:    "roles_update",
		Payload: map[string]any{"roles": resp.Roles},
	})
	return nil
}

func (c controller) handleTogglePermanent(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	resp, err := c.roomService.TogglePermanent(ctx, &room.TogglePermanentParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		Requester: c.getUserEmailFromCtx(ctx),
	})
	if err != nil {
		if errors.Is(err, room.ErrPermissionDenied) {
			return nil
		}
		return fmt.Errorf("failed to toggle permanent: %w", err)
	}

	c.Broadcast(ctx, resp.Conns, &Output{
		Type:    "room_settings_update",
		Payload: map[string]any{"permanent": resp.Permanent},
	})
	return nil
}

type pingInput struct {
	ClientTime any `json:"client_time"`
}

func (c controller) handlePing(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
	var input pingInput
	if err := json.Unmarshal(rawOrEmpty(payload), &input); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return c.writeToConn(ctx, conn, &Output{
		Type: "pong",
		Payload: map[string]any{
			"client_time": input.ClientTime,
			"server_time": time.Now().UnixMilli(),
		},
	})
}

func (c controller) broadcastQueueUpdate(ctx context.Context, resp room.QueueUpdateResponse) {
	c.Broadcast(ctx, resp.Conns, &Output{
		Type:    "queue_update",
		Payload: map[string]any{"queue": resp.Queue, "playing_index": resp.PlayingIndex},
	})
}

// broadcastPlayVideo announces a queue-driven video change. Stream URLs
// expire, so the item is re-resolved before the announcement; failure falls
// back to the stored URLs.
func (c controller) broadcastPlayVideo(ctx context.Context, resp room.PlayVideoResponse) {
	if resp.Video != nil {
		c.resolverService.Refresh(ctx, resp.Video, c.getUserAgentFromCtx(ctx), c.getUserEmailFromCtx(ctx))
		c.Broadcast(ctx, resp.Conns, &Output{
			Type:    "set_video",
			Payload: map[string]any{"video_data": resp.Video},
		})
	}
	c.Broadcast(ctx, resp.Conns, &Output{
		Type:    "queue_update",
		Payload: map[string]any{"queue": resp.Queue, "playing_index": resp.PlayingIndex},
	})
}
