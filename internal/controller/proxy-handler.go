package controller

import (
	"fmt"
	"io"
	"net/http"

	"github.com/watchtogether/server/internal/service/proxy"
	"github.com/watchtogether/server/pkg/rest"
)

// proxyBase reconstructs the externally visible prefix segment URLs are
// rewritten against. The scheme comes from the auth proxy's forwarded-proto
// header since TLS terminates there.
func (c controller) proxyBase(r *http.Request) string {
	proto := "http"
	if r.Header.Get("X-Forwarded-Proto") == "https" {
		proto = "https"
	}

	return fmt.Sprintf("%s://%s/api/proxy?url=", proto, r.Host)
}

func (c controller) proxyStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"error": "missing url"})
		return
	}

	hdr := proxy.ClientHeaders{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Range:          r.Header.Get("Range"),
	}

	var (
		resp *proxy.Response
		err  error
	)
	if proxy.IsManifestPath(rawURL) {
		resp, err = c.proxyService.ServeManifest(ctx, rawURL, c.proxyBase(r), hdr)
	} else {
		resp, err = c.proxyService.ServeSegment(ctx, rawURL, c.proxyBase(r), hdr)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "proxy error", "url", rawURL, "error", err)
		rest.WriteJSON(w, http.StatusBadGateway, rest.Envelope{"error": "proxy failure"})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.ContentLength != "" {
		w.Header().Set("Content-Length", resp.ContentLength)
	}
	if resp.ContentRange != "" {
		w.Header().Set("Content-Range", resp.ContentRange)
	}
	w.WriteHeader(resp.Status)

	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.DebugContext(ctx, "proxy copy interrupted", "url", rawURL, "error", err)
	}
}
