// Package cache provides the content-addressed audio cache shared by premium
// speech synthesis. An instance is constructed explicitly and handed to its
// users; there is no package-level state.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
)

// Defaults for a server-side cache.
const (
	DefaultCapacity       = 100
	DefaultClientCapacity = 50
	DefaultTTL            = 30 * time.Minute
	DefaultPrefixLength   = 200
)

// Eviction reasons reported to the Observer.
const (
	EvictCapacity  = "capacity"
	EvictExpired   = "expired"
	EvictCorrupted = "corrupted"
)

const keySeparator = "|"

// Observer receives cache outcomes, typically for metrics.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(reason string)
}

// Options configures an AudioCache.
type Options struct {
	Capacity     int
	TTL          time.Duration
	PrefixLength int
	Now          func() time.Time
	Observer     Observer
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Corrupted   uint64
}

type entry struct {
	key       string
	audio     core.Audio
	createdAt time.Time
	element   *list.Element
}

// AudioCache maps (voice, model, text prefix) to synthesized audio.
// Eviction is strictly by insertion order; entries older than the TTL are
// swept before every lookup.
type AudioCache struct {
	mu           sync.Mutex
	entries      map[string]*entry
	order        *list.List
	capacity     int
	ttl          time.Duration
	prefixLength int
	now          func() time.Time
	observer     Observer
	stats        Stats
}

// New creates an AudioCache, applying defaults for zero options.
func New(opts Options) *AudioCache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.PrefixLength <= 0 {
		opts.PrefixLength = DefaultPrefixLength
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &AudioCache{
		mu:           sync.Mutex{},
		entries:      make(map[string]*entry, opts.Capacity),
		order:        list.New(),
		capacity:     opts.Capacity,
		ttl:          opts.TTL,
		prefixLength: opts.PrefixLength,
		now:          opts.Now,
		observer:     opts.Observer,
		stats:        Stats{},
	}
}

// Key derives the cache key from the voice, the model and the lower-cased
// prefix of the sanitized text.
func (c *AudioCache) Key(voiceID, model, sanitized string) string {
	prefix := strings.ToLower(sanitized)

	runes := []rune(prefix)
	if len(runes) > c.prefixLength {
		prefix = string(runes[:c.prefixLength])
	}

	return voiceID + keySeparator + model + keySeparator + prefix
}

// Get returns the cached audio for key. Expired entries are swept first and
// corrupted entries are evicted instead of served.
func (c *AudioCache) Get(key string) (core.Audio, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	found, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.notifyMiss()

		return core.Audio{}, false
	}

	if audio.LooksLikeErrorEnvelope(found.audio.Data) {
		c.removeLocked(found)
		c.stats.Corrupted++
		c.stats.Misses++
		c.notifyEvicted(EvictCorrupted)
		c.notifyMiss()

		return core.Audio{}, false
	}

	c.stats.Hits++
	c.notifyHit()

	hit := found.audio
	hit.Cached = true

	return hit, true
}

// Put stores audio under key and reports whether it was accepted.
// Payloads that look like error envelopes are refused. Replacing an existing
// key keeps its queue position.
func (c *AudioCache) Put(key string, clip core.Audio) bool {
	if audio.LooksLikeErrorEnvelope(clip.Data) {
		return false
	}

	clip.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	existing, ok := c.entries[key]
	if ok {
		existing.audio = clip
		existing.createdAt = now

		return true
	}

	created := &entry{key: key, audio: clip, createdAt: now, element: nil}
	created.element = c.order.PushBack(created)
	c.entries[key] = created

	for len(c.entries) > c.capacity {
		oldest, isEntry := c.order.Front().Value.(*entry)
		if !isEntry {
			break
		}

		c.removeLocked(oldest)
		c.stats.Evictions++
		c.notifyEvicted(EvictCapacity)
	}

	return true
}

// Len returns the number of stored entries, expired ones included until the
// next lookup.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *AudioCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.stats
	snapshot.Entries = len(c.entries)

	return snapshot
}

func (c *AudioCache) sweepLocked() {
	cutoff := c.now().Add(-c.ttl)

	for element := c.order.Front(); element != nil; {
		next := element.Next()

		stored, ok := element.Value.(*entry)
		if ok && !stored.createdAt.After(cutoff) {
			c.removeLocked(stored)
			c.stats.Expirations++
			c.notifyEvicted(EvictExpired)
		}

		element = next
	}
}

func (c *AudioCache) removeLocked(stored *entry) {
	c.order.Remove(stored.element)
	delete(c.entries, stored.key)
}

func (c *AudioCache) notifyHit() {
	if c.observer != nil {
		c.observer.CacheHit()
	}
}

func (c *AudioCache) notifyMiss() {
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

func (c *AudioCache) notifyEvicted(reason string) {
	if c.observer != nil {
		c.observer.CacheEvicted(reason)
	}
}
