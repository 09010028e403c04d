package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/watchtogether/server/internal/cache"
)

// session tracks playback progress through one manifest's segment list and
// fetches ahead of the last requested index.
type session struct {
	svc     *service
	url     string
	isAudio bool
	depth   int

	mu           sync.Mutex
	segments     []string
	segmentIndex map[string]int
	lastIndex    int
	prefetched   map[string]struct{}
	activity     time.Time
	fetching     bool
}

func newSession(svc *service, manifestURL string, isAudio bool, depth int) *session {
	return &session{
		svc:          svc,
		url:          manifestURL,
		isAudio:      isAudio,
		depth:        depth,
		segmentIndex: make(map[string]int),
		lastIndex:    -1,
		prefetched:   make(map[string]struct{}),
		activity:     time.Now(),
	}
}

func (s *session) setSegments(segments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = segments
	s.segmentIndex = make(map[string]int, len(segments))
	for i, u := range segments {
		s.segmentIndex[u] = i
	}
}

func (s *session) contains(segmentURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.segmentIndex[segmentURL]
	return ok
}

func (s *session) touch() {
	s.mu.Lock()
	s.activity = time.Now()
	s.mu.Unlock()
}

func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// notify advances the playhead and starts one background fetch pass if none
// is running. A pass that is already in flight picks up the new index.
func (s *session) notify(segmentURL string) {
	s.mu.Lock()
	s.activity = time.Now()
	idx, ok := s.segmentIndex[segmentURL]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.lastIndex = idx
	start := s.fetching
	if !start {
		s.fetching = true
	}
	s.mu.Unlock()

	if !start {
		go s.prefetchNext()
	}
}

func (s *session) prefetchNext() {
	defer func() {
		s.mu.Lock()
		s.fetching = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	start := s.lastIndex + 1
	end := start + s.depth
	if end > len(s.segments) {
		end = len(s.segments)
	}
	targets := make([]string, 0, s.depth)
	for i := start; i < end; i++ {
		u := s.segments[i]
		if _, done := s.prefetched[u]; done {
			continue
		}
		targets = append(targets, u)
	}
	s.mu.Unlock()

	for _, u := range targets {
		key := cache.SegmentKey(u, 0)
		if _, _, hit := s.svc.memCache.Get(key); hit {
			s.markPrefetched(u)
			continue
		}
		if s.svc.fetchRange(context.Background(), u, 0, 0, s.isAudio) {
			s.markPrefetched(u)
		}
	}
}

func (s *session) markPrefetched(segmentURL string) {
	s.mu.Lock()
	s.prefetched[segmentURL] = struct{}{}
	s.mu.Unlock()
}

// fetchRange pulls url into the memory cache. length 0 fetches the whole
// resource. Reports whether the fetch landed in the cache.
func (s *service) fetchRange(ctx context.Context, rawURL string, start, length int64, isAudio bool) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		s.logger.Warn("failed to create prefetch request", "error", err)
		return false
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", "https://www.youtube.com/")
	if length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("prefetch fetch failed", "url", rawURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		s.logger.Debug("prefetch got unexpected status", "url", rawURL, "status", resp.StatusCode)
		return false
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("prefetch read failed", "url", rawURL, "error", err)
		return false
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	s.memCache.Put(cache.SegmentKey(rawURL, start), data, contentType, isAudio)
	s.active.MarkActive(rawURL)
	return true
}

func parseHLSSegments(body, baseURL string) []string {
	var segments []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, absoluteURL(baseURL, line))
	}
	return segments
}

var dashNumberRe = regexp.MustCompile(`\$Number(?:%0(\d+)d)?\$`)

func expandDASHTemplate(baseURL, template string, startNum, count int) []string {
	if count <= 0 || !dashNumberRe.MatchString(template) {
		return nil
	}

	segments := make([]string, 0, count)
	for n := startNum; n < startNum+count; n++ {
		u := dashNumberRe.ReplaceAllStringFunc(template, func(match string) string {
			groups := dashNumberRe.FindStringSubmatch(match)
			if groups[1] != "" {
				width, _ := strconv.Atoi(groups[1])
				return fmt.Sprintf("%0*d", width, n)
			}
			return strconv.Itoa(n)
		})
		segments = append(segments, absoluteURL(baseURL, u))
	}
	return segments
}

func absoluteURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

func isManifestURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u") || strings.HasSuffix(path, ".mpd")
}
