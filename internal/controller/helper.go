package controller

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/watchtogether/server/internal/repository"
	"github.com/watchtogether/server/pkg/rest"
)

const identityHeader = "Cf-Access-Authenticated-User-Email"

// getIdentity extracts the caller identity set by the auth proxy, falling
// back to the ?user= query parameter for local setups without one.
func (c controller) getIdentity(r *http.Request) string {
	if email := r.Header.Get(identityHeader); email != "" {
		return email
	}

	return r.URL.Query().Get("user")
}

func (c controller) getBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}

	return strings.TrimPrefix(auth, "Bearer ")
}

func tokenPayload(token repository.Token) rest.Envelope {
	return rest.Envelope{
		"id":           token.ID,
		"created_at":   token.CreatedAt,
		"last_used_at": token.LastUsedAt,
		"last_sync_at": token.LastSyncAt,
		"sync_count":   token.SyncCount,
	}
}

func (c controller) connMutex(conn *websocket.Conn) *sync.Mutex {
	mu, _ := c.connWriteMu.LoadOrStore(conn, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// writeToConn serializes writes to a connection. Gorilla supports at most
// one concurrent writer, and a conn is written to by every handler goroutine
// in its room plus the heartbeat loop.
func (c controller) writeToConn(ctx context.Context, conn *websocket.Conn, out *Output) error {
	mu := c.connMutex(conn)
	mu.Lock()
	defer mu.Unlock()

	return conn.WriteJSON(out)
}

// Broadcast is best-effort: a dead connection is logged and skipped, its
// cleanup happens when its read loop fails.
func (c controller) Broadcast(ctx context.Context, conns []*websocket.Conn, out *Output) {
	for _, conn := range conns {
		if err := c.writeToConn(ctx, conn, out); err != nil {
			c.logger.DebugContext(ctx, "failed to write to conn", "error", err)
		}
	}
}
