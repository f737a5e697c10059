package premium

import (
	"context"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/cache"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
	"github.com/book-expert/tutor-tts-service/internal/tts/text"
)

const (
	// BackendName identifies premium speech in logs and metrics.
	BackendName = "premium"

	// DefaultMaxInputChars is the vendor input ceiling in runes.
	DefaultMaxInputChars = 4000

	truncationMarker = "..."

	minSpeed     = 0.5
	maxSpeed     = 2.0
	defaultSpeed = 1.0
)

// Synthesizer is the vendor call the backend depends on.
type Synthesizer interface {
	GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// Observer receives the outcome and latency of vendor calls.
type Observer interface {
	VendorRequest(outcome string, elapsed time.Duration)
}

// Vendor call outcomes reported to the Observer.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Options configures a Backend. Zero values select defaults.
type Options struct {
	Catalog       *Catalog
	Cache         *cache.AudioCache
	Format        audio.Format
	MaxInputChars int
	Observer      Observer
	Now           func() time.Time
}

// Backend is the premium core.SpeechBackend.
type Backend struct {
	vendor        Synthesizer
	catalog       *Catalog
	cache         *cache.AudioCache
	format        audio.Format
	maxInputChars int
	observer      Observer
	now           func() time.Time
}

var _ core.SpeechBackend = (*Backend)(nil)

// NewBackend creates a premium backend over vendor.
func NewBackend(vendor Synthesizer, opts Options) *Backend {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}

	if opts.Format == "" {
		opts.Format = audio.DefaultFormat
	}

	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = DefaultMaxInputChars
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Backend{
		vendor:        vendor,
		catalog:       opts.Catalog,
		cache:         opts.Cache,
		format:        opts.Format,
		maxInputChars: opts.MaxInputChars,
		observer:      opts.Observer,
		now:           opts.Now,
	}
}

// Name implements core.SpeechBackend.
func (b *Backend) Name() string {
	return BackendName
}

// Catalog returns the voice catalog.
func (b *Backend) Catalog() *Catalog {
	return b.catalog
}

// Synthesize resolves the voice and model, serves from the cache when
// possible and otherwise calls the vendor. The returned audio's Characters
// is the rune count actually sent, which is what gets billed.
func (b *Backend) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.Audio, error) {
	if req.Text == "" {
		return nil, core.ErrEmptyText
	}

	voice := b.catalog.Lookup(req.VoiceID)

	requested := req.Language
	if requested == "" {
		requested = voice.Language
	}

	input := Truncate(req.Text, b.maxInputChars)
	model, language := selectModel(input, requested)
	speed := clampSpeed(req.Speed)

	var key string

	if b.cache != nil {
		key = b.cache.Key(voice.ID, model, input)

		hit, ok := b.cache.Get(key)
		if ok {
			// Keys cover a prefix only; billing follows this request's text.
			hit.Text = input
			hit.Characters = text.CharCount(input)

			return &hit, nil
		}
	}

	started := b.now()

	data, err := b.vendor.GenerateSpeech(ctx, SpeechRequest{
		Input:          input,
		Voice:          voice.ID,
		ResponseFormat: string(b.format),
		Model:          model,
		Language:       language,
		Speed:          speed,
	})

	b.observe(err, b.now().Sub(started))

	if err != nil {
		return nil, err
	}

	clip := core.Audio{
		Data:       data,
		MIMEType:   b.format.MIMEType(),
		Backend:    core.BackendPremium,
		VoiceID:    voice.ID,
		Language:   language,
		Model:      model,
		Text:       input,
		Speed:      speed,
		Characters: text.CharCount(input),
		Cached:     false,
		CreatedAt:  b.now(),
	}

	if b.cache != nil {
		b.cache.Put(key, clip)
	}

	return &clip, nil
}

func (b *Backend) observe(err error, elapsed time.Duration) {
	if b.observer == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}

	b.observer.VendorRequest(outcome, elapsed)
}

// Truncate limits input to maxChars runes, ending truncated text with "...".
func Truncate(input string, maxChars int) string {
	runes := []rune(input)
	if len(runes) <= maxChars {
		return input
	}

	keep := maxChars - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}

	return string(runes[:keep]) + truncationMarker
}

func clampSpeed(speed float64) float64 {
	switch {
	case speed == 0:
		return defaultSpeed
	case speed < minSpeed:
		return minSpeed
	case speed > maxSpeed:
		return maxSpeed
	default:
		return speed
	}
}
