package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (c controller) Mux() http.Handler {
	r := chi.NewRouter()

	r.Use(c.requestIdMw)
	r.Use(c.corsMw)

	r.Get("/", c.health)

	r.Get("/api/resolve", c.resolve)
	r.Get("/api/proxy", c.proxyStream)
	r.Get("/api/rooms", c.listRooms)
	r.Get("/api/me", c.getMe)

	r.Get("/api/cookies", c.getCookies)
	r.Post("/api/cookies", c.updateCookies)
	r.Delete("/api/cookies", c.deleteCookies)

	r.Get("/api/token", c.getToken)
	r.Post("/api/token/regenerate", c.regenerateToken)
	r.Delete("/api/token", c.revokeToken)

	r.Post("/api/extension/sync", c.extensionSync)
	r.Get("/api/extension/status", c.extensionStatus)

	r.HandleFunc("/ws/{room-id}", c.serveWS)

	return r
}
