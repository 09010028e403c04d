// Package cache holds key derivation and activity tracking shared by the
// memory and disk segment caches.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// URLHash returns a short collision-resistant digest of the full URL. The
// full URL must be hashed: video and audio variants of the same asset can
// differ only by a query parameter.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:24]
}

// SegmentKey is the memory cache key for a segment fetched at rangeStart.
func SegmentKey(url string, rangeStart int64) string {
	return fmt.Sprintf("seg_%s_%d", URLHash(url), rangeStart)
}

var audioItags = []string{"itag=140", "itag=251", "itag=250", "itag=249", "itag=139"}

// IsAudioURL reports whether the URL looks like an audio stream. Known audio
// itags first, generic path markers second.
func IsAudioURL(url string) bool {
	lower := strings.ToLower(url)
	for _, itag := range audioItags {
		if strings.Contains(lower, itag) {
			return true
		}
	}
	if strings.Contains(lower, "/audio/") {
		return true
	}
	last := lower
	if idx := strings.LastIndexByte(lower, '/'); idx >= 0 {
		last = lower[idx+1:]
	}

	return strings.Contains(last, "audio")
}
