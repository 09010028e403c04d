package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrPermissionDenied = errors.New("permission denied")
)

type iRoomRepo interface {
	GetRoom(ctx context.Context, roomID string) (repository.RoomState, error)
	SaveRoom(ctx context.Context, roomID string, state repository.RoomState) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListRooms(ctx context.Context) (map[string]repository.RoomState, error)
}

type iConnRepo interface {
	Add(conn *websocket.Conn, roomID, email string)
	Remove(conn *websocket.Conn)
	GetByRoomID(roomID string) []*websocket.Conn
	GetEmails(roomID string) []string
	GetInfo(conn *websocket.Conn) (roomID, email string, ok bool)
	CountByRoomID(roomID string) int
}

type Config struct {
	// EmptyRoomTTL is how long a non-permanent room survives with no
	// connections before the cleanup sweep reclaims it.
	EmptyRoomTTL time.Duration
}

// service is the single source of truth for room state. The in-memory map is
// authoritative for the running process; the room repo is best-effort
// durability, written after every mutation and never rolled back.
type service struct {
	cfg      Config
	roomRepo iRoomRepo
	connRepo iConnRepo
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*roomState
}

func NewService(cfg Config, roomRepo iRoomRepo, connRepo iConnRepo, logger *slog.Logger) *service {
	if cfg.EmptyRoomTTL <= 0 {
		cfg.EmptyRoomTTL = 5 * time.Minute
	}
	return &service{
		cfg:      cfg,
		roomRepo: roomRepo,
		connRepo: connRepo,
		logger:   logger,
		rooms:    make(map[string]*roomState),
	}
}

// LoadPersisted restores rooms saved by a previous process. The wall-clock
// sync anchor restarts at now since elapsed downtime is not playback time.
func (s *service) LoadPersisted(ctx context.Context) error {
	persisted, err := s.roomRepo.ListRooms(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for roomID, saved := range persisted {
		s.rooms[roomID] = roomStateFromPersisted(saved, now)
	}

	s.logger.InfoContext(ctx, "loaded persisted rooms", "count", len(persisted))
	return nil
}

func (s *service) getRoom(roomID string) (*roomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	return st, ok
}

// persist snapshots a room into the repo. Callers hold the room lock.
func (s *service) persist(ctx context.Context, roomID string, st *roomState) {
	if err := s.roomRepo.SaveRoom(ctx, roomID, st.snapshotLocked(time.Now())); err != nil {
		s.logger.WarnContext(ctx, "failed to persist room", "room_id", roomID, "error", err)
	}
}
