package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/tts/text"
)

const (
	// BackendName identifies device speech in logs and metrics.
	BackendName = "fallback"

	// DefaultKeepAlive is how often a long utterance is paused and resumed so
	// the engine does not stall.
	DefaultKeepAlive = 10 * time.Second
)

const (
	logFmtKeepAliveFailed = "Fallback keep-alive failed: %v"
	logFmtCancelFailed    = "Fallback cancel failed: %v"
)

// Options configures a Backend.
type Options struct {
	Preferences []string
	KeepAlive   time.Duration
	Now         func() time.Time
}

// Backend is the fallback core.SpeechBackend. Synthesize only selects the
// voice; Render speaks the utterance on the device.
type Backend struct {
	device      Device
	log         *logger.Logger
	preferences []string
	keepAlive   time.Duration
	now         func() time.Time

	renderMu sync.Mutex
}

var _ core.SpeechBackend = (*Backend)(nil)

// NewBackend creates a fallback backend over device.
func NewBackend(device Device, log *logger.Logger, opts Options) *Backend {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Backend{
		device:      device,
		log:         log,
		preferences: append([]string(nil), opts.Preferences...),
		keepAlive:   opts.KeepAlive,
		now:         opts.Now,
		renderMu:    sync.Mutex{},
	}
}

// Name implements core.SpeechBackend.
func (b *Backend) Name() string {
	return BackendName
}

// Synthesize selects a device voice for req. The result carries no audio
// bytes. core.ErrFallbackUnavailable means the device cannot speak at all.
func (b *Backend) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Audio, error) {
	if req.Text == "" {
		return nil, core.ErrEmptyText
	}

	if b.device == nil || !b.device.Available() {
		return nil, core.ErrFallbackUnavailable
	}

	voices, err := b.device.Voices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFallbackUnavailable, err)
	}

	voice, ok := SelectVoice(voices, req.Language, b.preferences)
	if !ok {
		return nil, core.ErrFallbackUnavailable
	}

	return &core.Audio{
		Data:       nil,
		MIMEType:   "",
		Backend:    core.BackendFallback,
		VoiceID:    voice.ID,
		Language:   voice.Language,
		Model:      "",
		Text:       req.Text,
		Speed:      req.Speed,
		Characters: text.CharCount(req.Text),
		Cached:     false,
		CreatedAt:  b.now(),
	}, nil
}

// Render speaks clip on the device and returns when it finishes. Cancelling
// ctx silences the device and returns ctx.Err().
func (b *Backend) Render(ctx context.Context, clip *core.Audio) error {
	b.renderMu.Lock()
	defer b.renderMu.Unlock()

	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- b.device.Speak(speakCtx, Utterance{
			Text:     clip.Text,
			VoiceID:  clip.VoiceID,
			Language: clip.Language,
			Speed:    clip.Speed,
		})
	}()

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			b.pump()
		case <-ctx.Done():
			cancelErr := b.device.Cancel()
			if cancelErr != nil {
				b.log.Warn(logFmtCancelFailed, cancelErr)
			}

			<-done

			return ctx.Err()
		}
	}
}

// pump pauses and immediately resumes the device.
func (b *Backend) pump() {
	err := b.device.Pause()
	if err == nil {
		err = b.device.Resume()
	}

	if err != nil {
		b.log.Warn(logFmtKeepAliveFailed, err)
	}
}
