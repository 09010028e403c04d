package controller

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/watchtogether/server/internal/service/resolver"
	"github.com/watchtogether/server/internal/service/user"
	"github.com/watchtogether/server/pkg/rest"
)

func (c controller) health(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":  "ok",
		"service": "Watch Together Backend",
	})
}

func (c controller) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "missing url"})
		return
	}
	userAgent := r.URL.Query().Get("user_agent")
	userEmail := c.getIdentity(r)

	info, err := c.resolverService.Resolve(ctx, rawURL, userAgent, userEmail)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrRestricted):
			rest.WriteJSON(w, http.StatusForbidden, rest.Envelope{"error": "age-restricted video, valid cookies required"})
		case errors.Is(err, resolver.ErrUnresolvable):
			rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "could not resolve a playable stream url"})
		default:
			c.logger.ErrorContext(ctx, "failed to resolve url", "url", rawURL, "error", err)
			rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "resolver failure"})
		}
		return
	}

	rest.WriteJSON(w, http.StatusOK, info)
}

func (c controller) listRooms(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, c.roomService.ListActiveRooms(r.Context()))
}

func (c controller) getMe(w http.ResponseWriter, r *http.Request) {
	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusOK, rest.Envelope{"authenticated": false, "email": nil})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"authenticated": true, "email": userEmail})
}

func (c controller) getCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	content, has, err := c.userService.GetCookies(ctx, userEmail)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get cookies", "error", err)
		rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok", "has_cookies": false, "content": ""})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok", "has_cookies": has, "content": content})
}

type updateCookiesRequest struct {
	Content string `json:"content" validate:"required"`
}

func (c controller) updateCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	var req updateCookiesRequest
	if err := rest.ReadJSON(r, &req); err != nil {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "invalid body"})
		return
	}
	if validationErrors, ok := c.validate.Validate(req); !ok {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	if err := c.userService.SaveCookies(ctx, userEmail, req.Content); err != nil {
		if errors.Is(err, user.ErrEmptyCookies) {
			rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "empty content"})
			return
		}
		c.logger.ErrorContext(ctx, "failed to save cookies", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to save cookies"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok", "message": "Cookies updated successfully"})
}

func (c controller) deleteCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	if err := c.userService.DeleteCookies(ctx, userEmail); err != nil {
		c.logger.ErrorContext(ctx, "failed to delete cookies", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to delete cookies"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok", "message": "Cookies deleted"})
}

func (c controller) getToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	token, err := c.userService.GetOrCreateToken(ctx, userEmail)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get or create token", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to get token"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"status": "ok", "token": tokenPayload(token)})
}

func (c controller) regenerateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	token, revoked, err := c.userService.RegenerateToken(ctx, userEmail)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to regenerate token", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to regenerate token"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":  "ok",
		"message": fmt.Sprintf("Token regenerated (%d old token(s) revoked)", revoked),
		"token":   tokenPayload(token),
	})
}

func (c controller) revokeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userEmail := c.getIdentity(r)
	if userEmail == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "user identity required"})
		return
	}

	revoked, err := c.userService.RevokeTokens(ctx, userEmail)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to revoke tokens", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to revoke tokens"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":  "ok",
		"message": fmt.Sprintf("Revoked %d token(s)", revoked),
	})
}

type extensionSyncRequest struct {
	Cookies string   `json:"cookies" validate:"required"`
	Domains []string `json:"domains"`
	Browser string   `json:"browser"`
}

func (c controller) extensionSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tokenID := c.getBearerToken(r)
	if tokenID == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "missing or invalid authorization header"})
		return
	}

	var req extensionSyncRequest
	if err := rest.ReadJSON(r, &req); err != nil {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "invalid body"})
		return
	}
	if validationErrors, ok := c.validate.Validate(req); !ok {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	userEmail, err := c.userService.SyncCookies(ctx, tokenID, req.Cookies)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrInvalidToken):
			rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "invalid or expired token"})
		case errors.Is(err, user.ErrEmptyCookies),
			errors.Is(err, user.ErrCookiesTooLarge),
			errors.Is(err, user.ErrInvalidCookieFormat):
			rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": err.Error()})
		default:
			c.logger.ErrorContext(ctx, "failed to sync cookies", "error", err)
			rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to sync cookies"})
		}
		return
	}

	c.logger.InfoContext(ctx, "extension sync",
		"user_email", userEmail,
		"browser", req.Browser,
		"domains", req.Domains,
	)

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":  "ok",
		"message": "Cookies synced successfully",
		"domains": req.Domains,
	})
}

func (c controller) extensionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tokenID := c.getBearerToken(r)
	if tokenID == "" {
		rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "missing or invalid authorization header"})
		return
	}

	status, err := c.userService.SyncStatus(ctx, tokenID)
	if err != nil {
		if errors.Is(err, user.ErrInvalidToken) {
			rest.WriteJSON(w, http.StatusUnauthorized, rest.Envelope{"error": "invalid or expired token"})
			return
		}
		c.logger.ErrorContext(ctx, "failed to get sync status", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to get sync status"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{
		"status":       "ok",
		"valid":        true,
		"user_email":   status.UserEmail,
		"last_sync_at": status.LastSyncAt,
		"sync_count":   status.SyncCount,
		"has_cookies":  status.HasCookies,
	})
}
