package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/watchtogether/server/internal/cache"
	"github.com/watchtogether/server/internal/cache/bucket"
	"github.com/watchtogether/server/pkg/coalescer"
)

const (
	hlsContentType   = "application/vnd.apple.mpegurl"
	maxManifestBytes = 10 << 20

	defaultCoalesceMaxBytes = 10 << 20
)

var errTooLargeToCoalesce = errors.New("response too large to coalesce")

type iMemCache interface {
	Get(key string) ([]byte, string, bool)
	Put(key string, data []byte, contentType string, isAudio bool)
}

type iBucketCache interface {
	Open(url string, offset int64) (*bucket.Reader, bool)
	Admit(contentLength int64) bool
	NewWriter(url string, rangeStart int64, contentType string) (*bucket.Writer, error)
}

type iPrefetcher interface {
	RegisterHLSManifest(manifestURL, body string, isAudio bool)
	NotifySegment(segmentURL string)
}

type iCoalescer interface {
	Do(ctx context.Context, key string, fetch coalescer.FetchFunc) ([]byte, error)
}

// ClientHeaders carries the inbound request headers the upstream fetch
// forwards.
type ClientHeaders struct {
	UserAgent      string
	AcceptLanguage string
	Range          string
}

// Response is what a proxied request serves. Body is always non-nil and must
// be closed by the caller.
type Response struct {
	Status        int
	ContentType   string
	ContentLength string
	ContentRange  string
	IsManifest    bool
	Body          io.ReadCloser
}

// Config tunes the orchestrator. CoalesceMaxBytes bounds how large a
// response the coalesced whole-fetch path will buffer before falling back to
// streaming.
type Config struct {
	CoalesceMaxBytes int64
}

type service struct {
	cfg         Config
	memCache    iMemCache
	bucketCache iBucketCache
	prefetcher  iPrefetcher
	coalescer   iCoalescer
	client      *http.Client
	logger      *slog.Logger
}

func NewService(cfg Config, memCache iMemCache, bucketCache iBucketCache, prefetcher iPrefetcher, co iCoalescer, client *http.Client, logger *slog.Logger) *service {
	if cfg.CoalesceMaxBytes <= 0 {
		cfg.CoalesceMaxBytes = defaultCoalesceMaxBytes
	}
	return &service{
		cfg:         cfg,
		memCache:    memCache,
		bucketCache: bucketCache,
		prefetcher:  prefetcher,
		coalescer:   co,
		client:      client,
		logger:      logger,
	}
}

// ServeManifest fetches a playlist, rewrites its URIs through the proxy and
// seeds the prefetcher with the segment list.
func (s service) ServeManifest(ctx context.Context, rawURL, proxyBase string, hdr ClientHeaders) (*Response, error) {
	resp, err := s.upstreamGet(ctx, rawURL, hdr, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &Response{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        resp.Body,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return s.rewriteManifest(rawURL, proxyBase, string(body), resp.Header.Get("Content-Type")), nil
}

// ServeSegment answers one byte-range request through the cache chain:
// memory, then disk bucket, then a coalesced or streaming upstream fetch.
func (s service) ServeSegment(ctx context.Context, rawURL, proxyBase string, hdr ClientHeaders) (*Response, error) {
	rangeStart := parseRangeStart(hdr.Range)

	s.prefetcher.NotifySegment(rawURL)

	key := cache.SegmentKey(rawURL, rangeStart)
	if data, contentType, ok := s.memCache.Get(key); ok {
		res := &Response{
			Status:        statusForRange(hdr.Range),
			ContentType:   contentType,
			ContentLength: strconv.Itoa(len(data)),
			Body:          io.NopCloser(bytes.NewReader(data)),
		}
		if res.Status == http.StatusPartialContent && len(data) > 0 {
			res.ContentRange = fmt.Sprintf("bytes %d-%d/*", rangeStart, rangeStart+int64(len(data))-1)
		}
		return res, nil
	}

	if rd, ok := s.bucketCache.Open(rawURL, rangeStart); ok {
		return &Response{
			Status:        http.StatusPartialContent,
			ContentType:   rd.ContentType,
			ContentLength: strconv.FormatInt(rd.BucketEnd-rangeStart, 10),
			ContentRange:  fmt.Sprintf("bytes %d-%d/*", rangeStart, rd.BucketEnd-1),
			Body:          rd,
		}, nil
	}

	if hdr.Range == "" {
		res, err := s.coalescedFetch(ctx, rawURL, proxyBase, hdr)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errTooLargeToCoalesce) {
			return nil, err
		}
	}

	return s.streamingFetch(ctx, rawURL, proxyBase, hdr, rangeStart)
}

// coalescedFetch buffers the whole segment once for any number of concurrent
// identical requests, filling both caches as a side effect. The content type
// rides in front of the payload since the coalescer carries opaque bytes.
func (s service) coalescedFetch(ctx context.Context, rawURL, proxyBase string, hdr ClientHeaders) (*Response, error) {
	raw, err := s.coalescer.Do(ctx, cache.SegmentKey(rawURL, 0), func(fctx context.Context) ([]byte, error) {
		resp, err := s.upstreamGet(fctx, rawURL, hdr, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch segment: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		if length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); length > s.cfg.CoalesceMaxBytes {
			return nil, errTooLargeToCoalesce
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.CoalesceMaxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment: %w", err)
		}
		if int64(len(data)) > s.cfg.CoalesceMaxBytes {
			return nil, errTooLargeToCoalesce
		}

		contentType := resp.Header.Get("Content-Type")
		if !strings.Contains(strings.ToLower(contentType), "mpegurl") {
			s.fillCaches(rawURL, data, contentType)
		}

		return encodeResult(contentType, data), nil
	})
	if err != nil {
		return nil, err
	}

	contentType, data := decodeResult(raw)
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return s.rewriteManifest(rawURL, proxyBase, string(data), contentType), nil
	}

	return &Response{
		Status:        http.StatusOK,
		ContentType:   contentType,
		ContentLength: strconv.Itoa(len(data)),
		Body:          io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (s service) streamingFetch(ctx context.Context, rawURL, proxyBase string, hdr ClientHeaders, rangeStart int64) (*Response, error) {
	resp, err := s.upstreamGet(ctx, rawURL, hdr, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return s.rewriteManifest(rawURL, proxyBase, string(body), contentType), nil
	}

	out := &Response{
		Status:        resp.StatusCode,
		ContentType:   contentType,
		ContentLength: resp.Header.Get("Content-Length"),
		ContentRange:  resp.Header.Get("Content-Range"),
		Body:          resp.Body,
	}

	cacheable := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent
	contentLength, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if cacheable && s.bucketCache.Admit(contentLength) {
		w, err := s.bucketCache.NewWriter(rawURL, rangeStart, contentType)
		if err != nil {
			s.logger.Warn("failed to open bucket writer", "url", rawURL, "error", err)
		} else {
			out.Body = newCacheTee(resp.Body, w)
		}
	}

	return out, nil
}

func (s service) rewriteManifest(rawURL, proxyBase, body, upstreamType string) *Response {
	var rewritten, contentType string
	if isDASHBody(body) {
		rewritten = RewriteDASH(body, rawURL, proxyBase)
		contentType = upstreamType
		if contentType == "" {
			contentType = "application/dash+xml"
		}
	} else {
		rewritten = RewriteHLS(body, rawURL, proxyBase)
		contentType = hlsContentType
		s.prefetcher.RegisterHLSManifest(rawURL, body, cache.IsAudioURL(rawURL))
	}

	return &Response{
		Status:      http.StatusOK,
		ContentType: contentType,
		IsManifest:  true,
		Body:        io.NopCloser(strings.NewReader(rewritten)),
	}
}

func (s service) fillCaches(rawURL string, data []byte, contentType string) {
	s.memCache.Put(cache.SegmentKey(rawURL, 0), data, contentType, cache.IsAudioURL(rawURL))

	if !s.bucketCache.Admit(int64(len(data))) {
		return
	}
	w, err := s.bucketCache.NewWriter(rawURL, 0, contentType)
	if err != nil {
		s.logger.Warn("failed to open bucket writer", "url", rawURL, "error", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return
	}
	if err := w.Commit(); err != nil {
		s.logger.Warn("failed to commit bucket", "url", rawURL, "error", err)
	}
}

func (s service) upstreamGet(ctx context.Context, rawURL string, hdr ClientHeaders, forwardRange bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	userAgent := hdr.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", refererFor(rawURL))
	acceptLanguage := hdr.AcceptLanguage
	if acceptLanguage == "" {
		acceptLanguage = "en-US,en;q=0.9"
	}
	req.Header.Set("Accept-Language", acceptLanguage)
	if forwardRange && hdr.Range != "" {
		req.Header.Set("Range", hdr.Range)
	}

	return s.client.Do(req)
}

func refererFor(rawURL string) string {
	if strings.Contains(rawURL, "twitch.tv") || strings.Contains(rawURL, "ttvnw.net") {
		return "https://www.twitch.tv/"
	}
	return "https://www.youtube.com/"
}

// parseRangeStart extracts the first byte position from a Range header,
// defaulting to 0 for absent or unparseable values.
func parseRangeStart(header string) int64 {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") {
		return 0
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	startStr, _, found := strings.Cut(spec, "-")
	if !found {
		return 0
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0
	}
	return start
}

func statusForRange(rangeHeader string) int {
	if rangeHeader != "" {
		return http.StatusPartialContent
	}
	return http.StatusOK
}

func encodeResult(contentType string, data []byte) []byte {
	out := make([]byte, 0, len(contentType)+1+len(data))
	out = append(out, contentType...)
	out = append(out, '\n')
	return append(out, data...)
}

func decodeResult(raw []byte) (string, []byte) {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		return string(raw[:i]), raw[i+1:]
	}
	return "", raw
}

// cacheTee mirrors a streamed upstream body into a bucket writer. The bucket
// becomes visible only when the stream completes; anything short of EOF
// discards the temp file.
type cacheTee struct {
	src io.ReadCloser
	w   *bucket.Writer

	failed bool
	eof    bool
}

func newCacheTee(src io.ReadCloser, w *bucket.Writer) *cacheTee {
	return &cacheTee{src: src, w: w}
}

func (t *cacheTee) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.failed {
		if _, werr := t.w.Write(p[:n]); werr != nil {
			t.w.Abort()
			t.failed = true
		}
	}
	if errors.Is(err, io.EOF) {
		t.eof = true
	}
	return n, err
}

func (t *cacheTee) Close() error {
	err := t.src.Close()
	if t.failed {
		return err
	}
	if !t.eof {
		t.w.Abort()
		return err
	}
	if cerr := t.w.Commit(); cerr != nil {
		return cerr
	}
	return err
}
