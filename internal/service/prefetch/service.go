package prefetch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	defaultVideoDepth = 3
	defaultAudioDepth = 6

	initialVideoBytes = 3 << 20
	initialAudioBytes = 1 << 20

	defaultSessionTTL = 5 * time.Minute

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

type iMemCache interface {
	Get(key string) ([]byte, string, bool)
	Put(key string, data []byte, contentType string, isAudio bool)
}

type iActiveMarker interface {
	MarkActive(url string)
}

// Config tunes prefetch depth and session expiry. Zero values fall back to
// the defaults above.
type Config struct {
	VideoDepth int
	AudioDepth int
	SessionTTL time.Duration
}

type service struct {
	cfg      Config
	memCache iMemCache
	active   iActiveMarker
	client   *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewService(cfg Config, memCache iMemCache, active iActiveMarker, client *http.Client, logger *slog.Logger) *service {
	if cfg.VideoDepth <= 0 {
		cfg.VideoDepth = defaultVideoDepth
	}
	if cfg.AudioDepth <= 0 {
		cfg.AudioDepth = defaultAudioDepth
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &service{
		cfg:      cfg,
		memCache: memCache,
		active:   active,
		client:   client,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// RegisterHLSManifest (re)builds the segment list for a manifest URL from its
// body. Each quality variant gets its own session so viewers on different
// qualities prefetch independently.
func (s *service) RegisterHLSManifest(manifestURL, body string, isAudio bool) {
	segments := parseHLSSegments(body, manifestURL)
	if len(segments) == 0 {
		return
	}

	sess := s.getOrCreate(manifestURL, isAudio)
	sess.setSegments(segments)
	s.logger.Debug("registered hls manifest", "url", manifestURL, "segments", len(segments))
}

// RegisterDASHTemplate expands a SegmentTemplate with $Number$ placeholders
// into an ordered segment list.
func (s *service) RegisterDASHTemplate(manifestURL, baseURL, template string, startNum, count int, isAudio bool) {
	segments := expandDASHTemplate(baseURL, template, startNum, count)
	if len(segments) == 0 {
		return
	}

	sess := s.getOrCreate(manifestURL, isAudio)
	sess.setSegments(segments)
	s.logger.Debug("registered dash template", "url", manifestURL, "segments", len(segments))
}

// NotifySegment records a client segment request and kicks off a background
// fetch of the next few uncached segments. The owning session is found by
// scanning, since segment requests do not identify their manifest.
func (s *service) NotifySegment(segmentURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.contains(segmentURL) {
			sess.notify(segmentURL)
			return
		}
	}
}

// PrefetchInitial warms the caches with the head of a freshly set video so
// playback starts without a cold upstream round trip. Manifest URLs are
// skipped; their segments are registered when the manifest is proxied.
func (s *service) PrefetchInitial(ctx context.Context, videoURL, audioURL string) {
	var wg sync.WaitGroup
	if videoURL != "" && !isManifestURL(videoURL) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fetchRange(ctx, videoURL, 0, initialVideoBytes, false)
		}()
	}
	if audioURL != "" && !isManifestURL(audioURL) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fetchRange(ctx, audioURL, 0, initialAudioBytes, true)
		}()
	}
	wg.Wait()
}

// Sweep drops sessions idle longer than the session TTL.
func (s *service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for url, sess := range s.sessions {
		if now.Sub(sess.lastActivity()) > s.cfg.SessionTTL {
			delete(s.sessions, url)
		}
	}
}

func (s *service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *service) getOrCreate(manifestURL string, isAudio bool) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[manifestURL]
	if !ok {
		depth := s.cfg.VideoDepth
		if isAudio {
			depth = s.cfg.AudioDepth
		}
		sess = newSession(s, manifestURL, isAudio, depth)
		s.sessions[manifestURL] = sess
	}
	sess.touch()
	return sess
}
