package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/watchtogether/server/internal/cache"
	"github.com/watchtogether/server/internal/repository"
)

var (
	// ErrRestricted means the extractor needs valid credentials, typically
	// for an age-restricted video.
	ErrRestricted = errors.New("restricted video")
	// ErrUnresolvable means no playable stream URL could be produced.
	ErrUnresolvable = errors.New("could not resolve a playable stream url")
)

// StreamInfo is the extractor's answer for one original URL. DASH results
// carry split video and audio URLs, HLS and combined results only StreamURL.
type StreamInfo struct {
	OriginalURL        string          `json:"original_url"`
	StreamURL          string          `json:"stream_url"`
	VideoURL           string          `json:"video_url,omitempty"`
	AudioURL           string          `json:"audio_url,omitempty"`
	Title              string          `json:"title,omitempty"`
	Thumbnail          string          `json:"thumbnail,omitempty"`
	IsLive             bool            `json:"is_live,omitempty"`
	Quality            string          `json:"quality,omitempty"`
	StreamType         string          `json:"stream_type,omitempty"`
	HasAudio           bool            `json:"has_audio,omitempty"`
	AvailableQualities json.RawMessage `json:"available_qualities,omitempty"`
	AudioOptions       json.RawMessage `json:"audio_options,omitempty"`
}

type iFormatRepo interface {
	GetFormat(ctx context.Context, urlHash string) ([]byte, error)
	SaveFormat(ctx context.Context, urlHash string, data []byte, ttl time.Duration) error
}

type iCookiesRepo interface {
	GetUserCookies(ctx context.Context, userEmail string) (string, error)
}

type service struct {
	formatRepo  iFormatRepo
	cookiesRepo iCookiesRepo
	httpClient  *http.Client
	resolverURL string
	formatTTL   time.Duration
	logger      *slog.Logger
}

func NewService(formatRepo iFormatRepo, cookiesRepo iCookiesRepo, httpClient *http.Client, resolverURL string, formatTTL time.Duration, logger *slog.Logger) *service {
	return &service{
		formatRepo:  formatRepo,
		cookiesRepo: cookiesRepo,
		httpClient:  httpClient,
		resolverURL: resolverURL,
		formatTTL:   formatTTL,
		logger:      logger,
	}
}

type resolveRequest struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent,omitempty"`
	Cookies   string `json:"cookies,omitempty"`
}

// Resolve asks the extractor sidecar for a playable stream. The caller's
// cookie blob is attached when one is stored. The result is written to the
// format cache so queue advances replay it without another extraction.
func (s service) Resolve(ctx context.Context, originalURL, userAgent, userEmail string) (StreamInfo, error) {
	reqBody := resolveRequest{URL: originalURL, UserAgent: userAgent}
	if userEmail != "" {
		cookies, err := s.cookiesRepo.GetUserCookies(ctx, userEmail)
		if err == nil {
			reqBody.Cookies = cookies
		} else if !errors.Is(err, repository.ErrCookiesNotFound) {
			s.logger.WarnContext(ctx, "failed to load cookies for resolve", "error", err)
		}
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.resolverURL+"/resolve", bytes.NewReader(raw))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to create resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to call resolver: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden:
		return StreamInfo{}, ErrRestricted
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return StreamInfo{}, ErrUnresolvable
	default:
		return StreamInfo{}, fmt.Errorf("resolver returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("failed to read resolver response: %w", err)
	}

	var info StreamInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return StreamInfo{}, fmt.Errorf("failed to unmarshal resolver response: %w", err)
	}
	if info.StreamURL == "" {
		return StreamInfo{}, ErrUnresolvable
	}
	info.OriginalURL = originalURL

	s.cacheFormat(ctx, originalURL, info)

	return info, nil
}

// Refresh re-resolves a queue item's stream URLs in place. The format cache
// is consulted first; on a miss the requester's credentials are tried, then
// the adder's. Resolution failure leaves the stored URLs untouched.
func (s service) Refresh(ctx context.Context, video *repository.VideoItem, userAgent, userEmail string) {
	if video == nil || video.OriginalURL == "" {
		return
	}

	if cached, err := s.formatRepo.GetFormat(ctx, cache.URLHash(video.OriginalURL)); err == nil {
		var info StreamInfo
		if err := json.Unmarshal(cached, &info); err == nil {
			applyStreamInfo(video, info)
			return
		}
		s.logger.WarnContext(ctx, "failed to unmarshal cached format", "url", video.OriginalURL, "error", err)
	}

	info, err := s.Resolve(ctx, video.OriginalURL, userAgent, userEmail)
	if err != nil && video.AddedBy != "" && video.AddedBy != userEmail {
		info, err = s.Resolve(ctx, video.OriginalURL, userAgent, video.AddedBy)
	}
	if err != nil {
		s.logger.InfoContext(ctx, "failed to refresh stream url", "url", video.OriginalURL, "error", err)
		return
	}

	applyStreamInfo(video, info)
}

// StoreFormat writes a client-resolved item into the format cache so queue
// advances and other members replay it without a fresh extraction.
func (s service) StoreFormat(ctx context.Context, video *repository.VideoItem) {
	if video == nil || video.OriginalURL == "" {
		return
	}

	raw, err := json.Marshal(video)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to marshal format for cache", "error", err)
		return
	}
	if err := s.formatRepo.SaveFormat(ctx, cache.URLHash(video.OriginalURL), raw, s.formatTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to cache format", "error", err)
	}
}

func (s service) cacheFormat(ctx context.Context, originalURL string, info StreamInfo) {
	raw, err := json.Marshal(info)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to marshal format for cache", "error", err)
		return
	}
	if err := s.formatRepo.SaveFormat(ctx, cache.URLHash(originalURL), raw, s.formatTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to cache format", "error", err)
	}
}

func applyStreamInfo(video *repository.VideoItem, info StreamInfo) {
	video.StreamURL = info.StreamURL
	video.VideoURL = info.VideoURL
	video.AudioURL = info.AudioURL
	if info.Title != "" {
		video.Title = info.Title
	}
	if info.Thumbnail != "" {
		video.Thumbnail = info.Thumbnail
	}
	video.IsLive = info.IsLive
}
