package fallback_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/tts/fallback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVoices = []fallback.DeviceVoice{
	{ID: "en-gb", Name: "English (GB)", Language: "en-GB"},
	{ID: "en-us", Name: "English (US)", Language: "en_US"},
	{ID: "ar", Name: "Arabic", Language: "ar"},
	{ID: "fr", Name: "French", Language: "fr-FR"},
}

// fakeDevice speaks until released or cancelled and counts keep-alive calls.
type fakeDevice struct {
	available bool
	voices    []fallback.DeviceVoice
	voicesErr error

	mu        sync.Mutex
	spoken    []fallback.Utterance
	pauses    int
	resumes   int
	cancelled int
	release   chan struct{}
	stopped   chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		available: true,
		voices:    testVoices,
		release:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (d *fakeDevice) Available() bool { return d.available }

func (d *fakeDevice) Voices(_ context.Context) ([]fallback.DeviceVoice, error) {
	return d.voices, d.voicesErr
}

func (d *fakeDevice) Speak(_ context.Context, utterance fallback.Utterance) error {
	d.mu.Lock()
	d.spoken = append(d.spoken, utterance)
	d.mu.Unlock()

	select {
	case <-d.release:
		return nil
	case <-d.stopped:
		return errors.New("interrupted")
	}
}

func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pauses++

	return nil
}

func (d *fakeDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++

	return nil
}

func (d *fakeDevice) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled++
	if d.cancelled == 1 {
		close(d.stopped)
	}

	return nil
}

func (d *fakeDevice) counts() (int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pauses, d.resumes, d.cancelled
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestSelectVoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		requested   string
		preferences []string
		expectedID  string
	}{
		{name: "exact regional tag", requested: "en-US", expectedID: "en-us"},
		{name: "base language", requested: "en-AU", expectedID: "en-gb"},
		{name: "arabic", requested: "ar-EG", expectedID: "ar"},
		{name: "preference order", requested: "de", preferences: []string{"fr", "en"}, expectedID: "fr"},
		{name: "invalid tag uses preferences", requested: "!!", preferences: []string{"ar"}, expectedID: "ar"},
		{name: "any voice", requested: "ja", expectedID: "en-gb"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			voice, ok := fallback.SelectVoice(testVoices, testCase.requested, testCase.preferences)
			require.True(t, ok)
			assert.Equal(t, testCase.expectedID, voice.ID)
		})
	}

	_, ok := fallback.SelectVoice(nil, "en", nil)
	assert.False(t, ok)
}

func TestBackend_Synthesize(t *testing.T) {
	t.Parallel()

	backend := fallback.NewBackend(newFakeDevice(), newTestLogger(t), fallback.Options{})

	clip, err := backend.Synthesize(context.Background(), core.SynthesisRequest{
		Text:     "Hello world",
		VoiceID:  "sarah",
		Language: "en-US",
		Speed:    1,
	})
	require.NoError(t, err)

	assert.Equal(t, core.BackendFallback, clip.Backend)
	assert.Equal(t, "en-us", clip.VoiceID)
	assert.False(t, clip.HasData())
	assert.Equal(t, 11, clip.Characters)
	assert.Equal(t, fallback.BackendName, backend.Name())
}

func TestBackend_Unavailable(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	req := core.SynthesisRequest{Text: "Hi"}

	noCapability := newFakeDevice()
	noCapability.available = false

	noVoices := newFakeDevice()
	noVoices.voices = nil

	listFails := newFakeDevice()
	listFails.voicesErr = errors.New("no engine")

	for _, device := range []*fakeDevice{noCapability, noVoices, listFails} {
		_, err := fallback.NewBackend(device, log, fallback.Options{}).Synthesize(context.Background(), req)
		require.ErrorIs(t, err, core.ErrFallbackUnavailable)
	}

	_, err := fallback.NewBackend(fallback.NewStaticDevice(nil), log, fallback.Options{}).Synthesize(context.Background(), req)
	require.ErrorIs(t, err, core.ErrFallbackUnavailable)
}

func TestBackend_RenderKeepsAlive(t *testing.T) {
	t.Parallel()

	device := newFakeDevice()
	backend := fallback.NewBackend(device, newTestLogger(t), fallback.Options{KeepAlive: 5 * time.Millisecond})

	clip, err := backend.Synthesize(context.Background(), core.SynthesisRequest{Text: "A long explanation"})
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- backend.Render(context.Background(), clip) }()

	require.Eventually(t, func() bool {
		pauses, resumes, _ := device.counts()

		return pauses >= 2 && resumes >= 2
	}, time.Second, time.Millisecond)

	close(device.release)
	require.NoError(t, <-done)
}

func TestBackend_RenderCancel(t *testing.T) {
	t.Parallel()

	device := newFakeDevice()
	backend := fallback.NewBackend(device, newTestLogger(t), fallback.Options{KeepAlive: time.Hour})

	clip, err := backend.Synthesize(context.Background(), core.SynthesisRequest{Text: "Stop me"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- backend.Render(ctx, clip) }()

	require.Eventually(t, func() bool {
		device.mu.Lock()
		defer device.mu.Unlock()

		return len(device.spoken) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, _, cancelled := device.counts()
	assert.Equal(t, 1, cancelled)
}

func TestStaticDevice(t *testing.T) {
	t.Parallel()

	device := fallback.NewStaticDevice(testVoices[:1])
	assert.True(t, device.Available())

	voices, err := device.Voices(context.Background())
	require.NoError(t, err)
	assert.Len(t, voices, 1)

	require.ErrorIs(t, device.Speak(context.Background(), fallback.Utterance{Text: "x"}), fallback.ErrNoOutput)
}
