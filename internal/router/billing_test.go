package router_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/cache"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/tts/premium"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachedPremium(t *testing.T) (*premium.Backend, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"audio_base64": base64.StdEncoding.EncodeToString([]byte("ID3-vendor-audio")),
		})
	}))
	t.Cleanup(vendor.Close)

	client := premium.NewVendorClient(vendor.URL, 5*time.Second)
	audioCache := cache.New(cache.Options{Capacity: 10})

	return premium.NewBackend(client, premium.Options{Cache: audioCache}), &calls
}

func TestRouter_CacheHitBillsOwnLength(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedPro(0)

	backend, calls := newCachedPremium(t)
	cfg := h.config(studentID)
	cfg.Premium = backend

	r := router.New(cfg)
	r.Refresh(context.Background())

	shared := strings.Repeat("a", cache.DefaultPrefixLength)

	first, err := r.Synthesize(context.Background(), router.Request{Text: shared + strings.Repeat("b", 800)})
	require.NoError(t, err)
	assert.Equal(t, core.BackendPremium, first.Backend)
	assert.Equal(t, 1000, h.used(t))

	second, err := r.Synthesize(context.Background(), router.Request{Text: shared + "c"})
	require.NoError(t, err)
	assert.Equal(t, core.BackendPremium, second.Backend)
	assert.True(t, second.Audio.Cached)
	assert.Equal(t, cache.DefaultPrefixLength+1, second.Characters)
	assert.Equal(t, 1000+cache.DefaultPrefixLength+1, h.used(t))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRouter_CacheHitFitsRemainingQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	backend, _ := newCachedPremium(t)
	cfg := h.config(studentID)
	cfg.Premium = backend

	shared := strings.Repeat("a", cache.DefaultPrefixLength)

	h.seedPro(0)

	r := router.New(cfg)
	r.Refresh(context.Background())

	_, err := r.Synthesize(context.Background(), router.Request{Text: shared + strings.Repeat("b", 800)})
	require.NoError(t, err)

	// Leave room for the short text but not for the cached long one.
	h.seedPro(core.DefaultCharactersLimit - cache.DefaultPrefixLength - 1)
	r.Refresh(context.Background())

	outcome, err := r.Synthesize(context.Background(), router.Request{Text: shared + "c"})
	require.NoError(t, err)
	assert.Equal(t, core.BackendPremium, outcome.Backend)
	assert.Equal(t, core.ReasonNone, outcome.Reason)
	assert.Equal(t, core.DefaultCharactersLimit, h.used(t))
}
