package inmemory

import (
	"sync"

	"github.com/gorilla/websocket"
)

type connInfo struct {
	roomID string
	email  string
}

type repo struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]connInfo
	rooms map[string]map[*websocket.Conn]struct{}
}

func NewRepo() *repo {
	return &repo{
		conns: make(map[*websocket.Conn]connInfo),
		rooms: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (r *repo) Add(conn *websocket.Conn, roomID, email string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn] = connInfo{roomID: roomID, email: email}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[*websocket.Conn]struct{})
	}
	r.rooms[roomID][conn] = struct{}{}
}

func (r *repo) Remove(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(r.conns, conn)
	delete(r.rooms[info.roomID], conn)
	if len(r.rooms[info.roomID]) == 0 {
		delete(r.rooms, info.roomID)
	}
}

func (r *repo) GetByRoomID(roomID string) []*websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*websocket.Conn, 0, len(r.rooms[roomID]))
	for conn := range r.rooms[roomID] {
		conns = append(conns, conn)
	}
	return conns
}

// GetEmails returns the distinct emails connected to a room. A user with two
// tabs open counts once.
func (r *repo) GetEmails(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.rooms[roomID]))
	emails := make([]string, 0, len(r.rooms[roomID]))
	for conn := range r.rooms[roomID] {
		email := r.conns[conn].email
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		emails = append(emails, email)
	}
	return emails
}

func (r *repo) GetInfo(conn *websocket.Conn) (roomID, email string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, found := r.conns[conn]
	return info.roomID, info.email, found
}

func (r *repo) CountByRoomID(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[roomID])
}
