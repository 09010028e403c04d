package resolver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchtogether/server/internal/cache"
	"github.com/watchtogether/server/internal/repository"
)

type fakeFormatRepo struct {
	mu      sync.Mutex
	formats map[string][]byte
}

func newFakeFormatRepo() *fakeFormatRepo {
	return &fakeFormatRepo{formats: make(map[string][]byte)}
}

func (f *fakeFormatRepo) GetFormat(_ context.Context, urlHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.formats[urlHash]
	if !ok {
		return nil, repository.ErrFormatNotFound
	}
	return raw, nil
}

func (f *fakeFormatRepo) SaveFormat(_ context.Context, urlHash string, data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formats[urlHash] = data
	return nil
}

type fakeCookiesRepo struct {
	cookies map[string]string
}

func (f fakeCookiesRepo) GetUserCookies(_ context.Context, userEmail string) (string, error) {
	content, ok := f.cookies[userEmail]
	if !ok {
		return "", repository.ErrCookiesNotFound
	}
	return content, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveAttachesCookiesAndCachesFormat(t *testing.T) {
	var gotReq resolveRequest
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(StreamInfo{
			StreamURL: "https://cdn.example.com/v.m3u8",
			Title:     "some title",
		})
	}))
	defer sidecar.Close()

	formats := newFakeFormatRepo()
	s := NewService(formats, fakeCookiesRepo{cookies: map[string]string{"a@example.com": "COOKIES"}},
		sidecar.Client(), sidecar.URL, time.Hour, discardLogger())

	info, err := s.Resolve(context.Background(), "https://example.com/watch?v=1", "ua", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/v.m3u8", info.StreamURL)
	assert.Equal(t, "https://example.com/watch?v=1", info.OriginalURL)
	assert.Equal(t, "COOKIES", gotReq.Cookies)
	assert.Equal(t, "ua", gotReq.UserAgent)

	_, err = formats.GetFormat(context.Background(), cache.URLHash("https://example.com/watch?v=1"))
	assert.NoError(t, err)
}

func TestResolveErrorMapping(t *testing.T) {
	status := http.StatusForbidden
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer sidecar.Close()

	s := NewService(newFakeFormatRepo(), fakeCookiesRepo{}, sidecar.Client(), sidecar.URL, time.Hour, discardLogger())

	_, err := s.Resolve(context.Background(), "https://example.com/v", "", "")
	assert.ErrorIs(t, err, ErrRestricted)

	status = http.StatusBadRequest
	_, err = s.Resolve(context.Background(), "https://example.com/v", "", "")
	assert.ErrorIs(t, err, ErrUnresolvable)

	status = http.StatusInternalServerError
	_, err = s.Resolve(context.Background(), "https://example.com/v", "", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRestricted)
	assert.NotErrorIs(t, err, ErrUnresolvable)
}

func TestResolveEmptyStreamURLIsUnresolvable(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(StreamInfo{Title: "no url"})
	}))
	defer sidecar.Close()

	s := NewService(newFakeFormatRepo(), fakeCookiesRepo{}, sidecar.Client(), sidecar.URL, time.Hour, discardLogger())

	_, err := s.Resolve(context.Background(), "https://example.com/v", "", "")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestRefreshUsesCachedFormat(t *testing.T) {
	formats := newFakeFormatRepo()
	cached, _ := json.Marshal(StreamInfo{StreamURL: "https://cdn.example.com/cached.m3u8"})
	require.NoError(t, formats.SaveFormat(context.Background(), cache.URLHash("https://example.com/v"), cached, time.Hour))

	// no sidecar running; a cache hit must not reach it
	s := NewService(formats, fakeCookiesRepo{}, http.DefaultClient, "http://127.0.0.1:0", time.Hour, discardLogger())

	video := repository.VideoItem{OriginalURL: "https://example.com/v", StreamURL: "stale"}
	s.Refresh(context.Background(), &video, "", "a@example.com")

	assert.Equal(t, "https://cdn.example.com/cached.m3u8", video.StreamURL)
}

func TestRefreshFallsBackToAdderCredentials(t *testing.T) {
	var calls []string
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls = append(calls, req.Cookies)
		if req.Cookies == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(StreamInfo{StreamURL: "https://cdn.example.com/fresh.m3u8"})
	}))
	defer sidecar.Close()

	s := NewService(newFakeFormatRepo(), fakeCookiesRepo{cookies: map[string]string{"adder@example.com": "ADDER"}},
		sidecar.Client(), sidecar.URL, time.Hour, discardLogger())

	video := repository.VideoItem{OriginalURL: "https://example.com/v", AddedBy: "adder@example.com"}
	s.Refresh(context.Background(), &video, "", "viewer@example.com")

	require.Len(t, calls, 2)
	assert.Equal(t, "https://cdn.example.com/fresh.m3u8", video.StreamURL)
}

func TestRefreshKeepsStoredURLsOnFailure(t *testing.T) {
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer sidecar.Close()

	s := NewService(newFakeFormatRepo(), fakeCookiesRepo{}, sidecar.Client(), sidecar.URL, time.Hour, discardLogger())

	video := repository.VideoItem{OriginalURL: "https://example.com/v", StreamURL: "stored"}
	s.Refresh(context.Background(), &video, "", "")

	assert.Equal(t, "stored", video.StreamURL)
}
