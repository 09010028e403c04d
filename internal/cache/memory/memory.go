// Package memory implements a bounded in-process LRU for hot media segments
// with audio-priority eviction: audio stalls are more perceptible than video
// stalls, so audio entries are evicted only once no video entries remain.
package memory

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key         string
	data        []byte
	contentType string
	addedAt     time.Time
	isAudio     bool
}

type Stats struct {
	Items      int   `json:"items"`
	SizeBytes  int64 `json:"size_bytes"`
	MaxBytes   int64 `json:"max_bytes"`
	AudioItems int   `json:"audio_items"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
}

type Cache struct {
	mu          sync.Mutex
	ll          *list.List // front = least recently used
	items       map[string]*list.Element
	size        int64
	maxSize     int64
	maxItemSize int64
	audioCount  int
	hits        int64
	misses      int64
}

// New creates a cache holding at most maxSizeBytes. A single entry larger
// than maxItemFraction of the cap is rejected rather than cached.
func New(maxSizeBytes int64, maxItemFraction float64) *Cache {
	return &Cache{
		ll:          list.New(),
		items:       make(map[string]*list.Element),
		maxSize:     maxSizeBytes,
		maxItemSize: int64(float64(maxSizeBytes) * maxItemFraction),
	}
}

func (c *Cache) Get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, "", false
	}

	c.ll.MoveToBack(el)
	c.hits++
	e := el.Value.(*entry)

	return e.data, e.contentType, true
}

func (c *Cache) Put(key string, data []byte, contentType string, isAudio bool) {
	if int64(len(data)) > c.maxItemSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	for c.size+int64(len(data)) > c.maxSize && c.ll.Len() > 0 {
		c.evictOne()
	}

	el := c.ll.PushBack(&entry{
		key:         key,
		data:        data,
		contentType: contentType,
		addedAt:     time.Now(),
		isAudio:     isAudio,
	})
	c.items[key] = el
	c.size += int64(len(data))
	if isAudio {
		c.audioCount++
	}
}

func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)

	return true
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Items:      c.ll.Len(),
		SizeBytes:  c.size,
		MaxBytes:   c.maxSize,
		AudioItems: c.audioCount,
		Hits:       c.hits,
		Misses:     c.misses,
	}
}

// evictOne removes the least-recently-used video entry, or the
// least-recently-used audio entry if only audio remains.
func (c *Cache) evictOne() {
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).isAudio {
			c.removeElement(el)
			return
		}
	}
	if front := c.ll.Front(); front != nil {
		c.removeElement(front)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.size -= int64(len(e.data))
	if e.isAudio {
		c.audioCount--
	}
}
