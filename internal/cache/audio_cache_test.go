package cache_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/cache"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{mu: sync.Mutex{}, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

// countingObserver records cache outcomes.
type countingObserver struct {
	hits      int
	misses    int
	evictions map[string]int
}

func (o *countingObserver) CacheHit()  { o.hits++ }
func (o *countingObserver) CacheMiss() { o.misses++ }
func (o *countingObserver) CacheEvicted(reason string) {
	o.evictions[reason]++
}

func testAudio(payload string) core.Audio {
	return core.Audio{
		Data:     []byte("ID3" + payload),
		MIMEType: "audio/mpeg",
		Backend:  core.BackendPremium,
		VoiceID:  "sarah",
		Model:    "tts-standard",
	}
}

func newTestCache(clock *fakeClock, capacity int) *cache.AudioCache {
	return cache.New(cache.Options{
		Capacity:     capacity,
		TTL:          30 * time.Minute,
		PrefixLength: 0,
		Now:          clock.Now,
		Observer:     nil,
	})
}

func TestAudioCache_RoundTrip(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 10)
	key := audioCache.Key("sarah", "tts-standard", "Hello world")

	require.True(t, audioCache.Put(key, testAudio("a")))

	hit, ok := audioCache.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("ID3a"), hit.Data)
	assert.True(t, hit.Cached)
}

func TestAudioCache_MissAfterTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	audioCache := newTestCache(clock, 10)
	key := audioCache.Key("sarah", "tts-standard", "Hello world")

	require.True(t, audioCache.Put(key, testAudio("a")))

	clock.Advance(29 * time.Minute)

	_, ok := audioCache.Get(key)
	require.True(t, ok, "entry inside TTL must hit")

	clock.Advance(time.Minute)

	_, ok = audioCache.Get(key)
	assert.False(t, ok, "entry at TTL must miss")
	assert.Equal(t, 0, audioCache.Len())
	assert.Equal(t, uint64(1), audioCache.Stats().Expirations)
}

func TestAudioCache_FIFOEviction(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 3)

	keys := make([]string, 0, 4)
	for index := range 4 {
		key := audioCache.Key("sarah", "m", fmt.Sprintf("text %d", index))
		keys = append(keys, key)

		if index == 2 {
			// A read must not protect the oldest entry: eviction is not LRU.
			_, ok := audioCache.Get(keys[0])
			require.True(t, ok)
		}

		require.True(t, audioCache.Put(key, testAudio(key)))
	}

	assert.Equal(t, 3, audioCache.Len())

	_, ok := audioCache.Get(keys[0])
	assert.False(t, ok, "oldest insertion must be evicted first")

	for _, key := range keys[1:] {
		_, ok = audioCache.Get(key)
		assert.True(t, ok)
	}

	assert.Equal(t, uint64(1), audioCache.Stats().Evictions)
}

func TestAudioCache_ReplaceKeepsPosition(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 2)

	first := audioCache.Key("v", "m", "first")
	second := audioCache.Key("v", "m", "second")
	third := audioCache.Key("v", "m", "third")

	require.True(t, audioCache.Put(first, testAudio("1")))
	require.True(t, audioCache.Put(second, testAudio("2")))
	require.True(t, audioCache.Put(first, testAudio("1b")))
	require.True(t, audioCache.Put(third, testAudio("3")))

	_, ok := audioCache.Get(first)
	assert.False(t, ok)

	hit, ok := audioCache.Get(second)
	require.True(t, ok)
	assert.Equal(t, []byte("ID32"), hit.Data)
}

func TestAudioCache_RejectsErrorEnvelope(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 10)
	key := audioCache.Key("v", "m", "text")

	accepted := audioCache.Put(key, core.Audio{Data: []byte(`{"error":"quota"}`)})
	assert.False(t, accepted)

	accepted = audioCache.Put(key, core.Audio{Data: nil})
	assert.False(t, accepted)
	assert.Equal(t, 0, audioCache.Len())
}

func TestAudioCache_EvictsCorruptedEntry(t *testing.T) {
	t.Parallel()

	observer := &countingObserver{evictions: map[string]int{}}
	audioCache := cache.New(cache.Options{
		Capacity:     10,
		TTL:          time.Minute,
		PrefixLength: 0,
		Now:          newFakeClock().Now,
		Observer:     observer,
	})
	key := audioCache.Key("v", "m", "text")

	payload := []byte(`ID3 valid audio bytes`)
	require.True(t, audioCache.Put(key, core.Audio{Data: payload}))

	copy(payload, `{"error":1}`)

	_, ok := audioCache.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, audioCache.Len())
	assert.Equal(t, 1, observer.evictions[cache.EvictCorrupted])
	assert.Equal(t, 1, observer.misses)
	assert.Equal(t, uint64(1), audioCache.Stats().Corrupted)
}

func TestAudioCache_KeyUsesLowercasedPrefix(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 10)

	long := strings.Repeat("a", 200)
	assert.Equal(t,
		audioCache.Key("v", "m", long+"TAIL ONE"),
		audioCache.Key("v", "m", strings.ToUpper(long)+"tail two"),
	)
	assert.NotEqual(t, audioCache.Key("v", "m", "hello"), audioCache.Key("w", "m", "hello"))
	assert.NotEqual(t, audioCache.Key("v", "m", "hello"), audioCache.Key("v", "n", "hello"))
}

func TestAudioCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	audioCache := newTestCache(newFakeClock(), 20)

	var waitGroup sync.WaitGroup

	for worker := range 8 {
		waitGroup.Add(1)

		go func(id int) {
			defer waitGroup.Done()

			for index := range 50 {
				key := audioCache.Key("v", "m", fmt.Sprintf("%d-%d", id, index%25))
				audioCache.Put(key, testAudio(key))
				audioCache.Get(key)
			}
		}(worker)
	}

	waitGroup.Wait()

	assert.LessOrEqual(t, audioCache.Len(), 20)
}
