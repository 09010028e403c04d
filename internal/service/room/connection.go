package room

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
)

type ConnectParams struct {
	Conn   *websocket.Conn
	RoomID string
	Email  string
}

type ConnectResponse struct {
	Sync    SyncPayload
	Members []Member
	Conns   []*websocket.Conn
}

// Connect registers a session with a room, creating the room on first sight.
// The first identity ever seen in a room becomes admin; later identities
// default to user and are never demoted automatically.
func (s *service) Connect(ctx context.Context, params *ConnectParams) (ConnectResponse, error) {
	s.mu.Lock()
	st, ok := s.rooms[params.RoomID]
	if !ok {
		st = newRoomState()
		s.rooms[params.RoomID] = st
	}
	s.mu.Unlock()

	s.connRepo.Add(params.Conn, params.RoomID, params.Email)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.emptySince = time.Time{}
	if len(st.roles) == 0 {
		st.roles[params.Email] = repository.RoleAdmin
	} else if _, seen := st.roles[params.Email]; !seen {
		st.roles[params.Email] = repository.RoleUser
	}

	s.persist(ctx, params.RoomID, st)

	members := s.membersOf(params.RoomID)
	sync := st.syncPayloadLocked(time.Now(), members)
	sync.YourEmail = params.Email

	return ConnectResponse{
		Sync:    sync,
		Members: members,
		Conns:   s.connRepo.GetByRoomID(params.RoomID),
	}, nil
}

type DisconnectResponse struct {
	RoomID  string
	Email   string
	Members []Member
	Conns   []*websocket.Conn
}

// Disconnect drops a session. When the last connection leaves, the room is
// stamped empty so the cleanup sweep can reclaim it after the TTL.
func (s *service) Disconnect(ctx context.Context, conn *websocket.Conn) (DisconnectResponse, error) {
	roomID, email, ok := s.connRepo.GetInfo(conn)
	if !ok {
		return DisconnectResponse{}, ErrRoomNotFound
	}
	s.connRepo.Remove(conn)

	st, ok := s.getRoom(roomID)
	if !ok {
		return DisconnectResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	if s.connRepo.CountByRoomID(roomID) == 0 {
		st.emptySince = time.Now()
		s.persist(ctx, roomID, st)
	}
	st.mu.Unlock()

	return DisconnectResponse{
		RoomID:  roomID,
		Email:   email,
		Members: s.membersOf(roomID),
		Conns:   s.connRepo.GetByRoomID(roomID),
	}, nil
}
