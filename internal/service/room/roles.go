package room

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
)

func validRole(role string) bool {
	switch role {
	case repository.RoleAdmin, repository.RoleModerator, repository.RoleUser:
		return true
	}
	return false
}

type PromoteParams struct {
	RoomID    string
	Requester string
	Target    string
	Role      string
}

type PromoteResponse struct {
	Roles map[string]string
	Conns []*websocket.Conn
}

// Promote assigns a role to a target identity. Only an admin may do this;
// anyone else gets ErrPermissionDenied, which the transport layer swallows
// without replying.
func (s *service) Promote(ctx context.Context, params *PromoteParams) (PromoteResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return PromoteResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.roles[params.Requester] != repository.RoleAdmin || !validRole(params.Role) {
		return PromoteResponse{}, ErrPermissionDenied
	}

	st.roles[params.Target] = params.Role
	s.persist(ctx, params.RoomID, st)

	roles := make(map[string]string, len(st.roles))
	for k, v := range st.roles {
		roles[k] = v
	}

	return PromoteResponse{
		Roles: roles,
		Conns: s.connRepo.GetByRoomID(params.RoomID),
	}, nil
}

type TogglePermanentParams struct {
	RoomID    string
	Requester string
}

type TogglePermanentResponse struct {
	Permanent bool
	Conns     []*websocket.Conn
}

// TogglePermanent flips the room's exemption from idle cleanup. Admin only.
func (s *service) TogglePermanent(ctx context.Context, params *TogglePermanentParams) (TogglePermanentResponse, error) {
	st, ok := s.getRoom(params.RoomID)
	if !ok {
		return TogglePermanentResponse{}, ErrRoomNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.roles[params.Requester] != repository.RoleAdmin {
		return TogglePermanentResponse{}, ErrPermissionDenied
	}

	st.permanent = !st.permanent
	s.persist(ctx, params.RoomID, st)

	return TogglePermanentResponse{
		Permanent: st.permanent,
		Conns:     s.connRepo.GetByRoomID(params.RoomID),
	}, nil
}
