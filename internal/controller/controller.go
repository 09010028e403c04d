package controller

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
	"github.com/watchtogether/server/internal/service/proxy"
	"github.com/watchtogether/server/internal/service/resolver"
	"github.com/watchtogether/server/internal/service/room"
	"github.com/watchtogether/server/internal/service/user"
	"github.com/watchtogether/server/pkg/validator"
)

type iRoomService interface {
	Connect(context.Context, *room.ConnectParams) (room.ConnectResponse, error)
	Disconnect(context.Context, *websocket.Conn) (room.DisconnectResponse, error)
	UpdatePlayback(context.Context, *room.UpdatePlaybackParams) (room.UpdatePlaybackResponse, error)
	SetVideo(context.Context, *room.SetVideoParams) (room.PlayVideoResponse, error)
	AddToQueue(context.Context, *room.AddToQueueParams) (room.QueueUpdateResponse, error)
	RemoveFromQueue(context.Context, *room.RemoveFromQueueParams) (room.QueueUpdateResponse, error)
	ReorderQueue(context.Context, *room.ReorderQueueParams) (room.QueueUpdateResponse, error)
	TogglePin(context.Context, *room.TogglePinParams) (room.QueueUpdateResponse, error)
	PlayFromQueue(context.Context, *room.PlayFromQueueParams) (room.PlayVideoResponse, error)
	AdvanceToNext(context.Context, *room.AdvanceToNextParams) (room.PlayVideoResponse, error)
	Promote(context.Context, *room.PromoteParams) (room.PromoteResponse, error)
	TogglePermanent(context.Context, *room.TogglePermanentParams) (room.TogglePermanentResponse, error)
	ListActiveRooms(context.Context) []room.RoomSummary
}

type iProxyService interface {
	ServeManifest(ctx context.Context, rawURL, proxyBase string, hdr proxy.ClientHeaders) (*proxy.Response, error)
	ServeSegment(ctx context.Context, rawURL, proxyBase string, hdr proxy.ClientHeaders) (*proxy.Response, error)
}

type iResolverService interface {
	Resolve(ctx context.Context, originalURL, userAgent, userEmail string) (resolver.StreamInfo, error)
	Refresh(ctx context.Context, video *repository.VideoItem, userAgent, userEmail string)
	StoreFormat(ctx context.Context, video *repository.VideoItem)
}

type iUserService interface {
	GetCookies(ctx context.Context, userEmail string) (string, bool, error)
	SaveCookies(ctx context.Context, userEmail, content string) error
	DeleteCookies(ctx context.Context, userEmail string) error
	GetOrCreateToken(ctx context.Context, userEmail string) (repository.Token, error)
	RegenerateToken(ctx context.Context, userEmail string) (repository.Token, int, error)
	RevokeTokens(ctx context.Context, userEmail string) (int, error)
	SyncCookies(ctx context.Context, tokenID, content string) (string, error)
	SyncStatus(ctx context.Context, tokenID string) (user.SyncStatus, error)
}

type iPrefetchService interface {
	PrefetchInitial(ctx context.Context, videoURL, audioURL string)
}

type controller struct {
	roomService     iRoomService
	proxyService    iProxyService
	resolverService iResolverService
	userService     iUserService
	prefetchService iPrefetchService
	upgrader        websocket.Upgrader
	validate        *validator.Validator
	logger          *slog.Logger

	// connWriteMu holds one write lock per connection. Handler goroutines
	// and the heartbeat loop write to the same conns, and gorilla allows
	// only a single concurrent writer.
	connWriteMu *sync.Map
}

func NewController(
	roomService iRoomService,
	proxyService iProxyService,
	resolverService iResolverService,
	userService iUserService,
	prefetchService iPrefetchService,
	logger *slog.Logger,
) *controller {
	return &controller{
		roomService:     roomService,
		proxyService:    proxyService,
		resolverService: resolverService,
		userService:     userService,
		prefetchService: prefetchService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate:    validator.NewValidator(),
		logger:      logger,
		connWriteMu: &sync.Map{},
	}
}
