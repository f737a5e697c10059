// Package playback plays one utterance at a time and reports its lifecycle.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
)

// ErrNoOutput is reported when no output can render the audio.
var ErrNoOutput = errors.New("no playback output for audio")

const logFmtPlaybackFailed = "Playback of %s audio failed: %v"

// EventKind is a playback lifecycle stage.
type EventKind int

const (
	EventStarted EventKind = iota
	EventEnded
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventEnded:
		return "ended"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Play. Ended with Interrupted
// set means the utterance was stopped before it finished.
type Event struct {
	Kind        EventKind
	Interrupted bool
	Err         error
}

// Output renders one utterance and returns when it is done or ctx is
// cancelled.
type Output interface {
	Render(ctx context.Context, clip *core.Audio) error
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns the single playback resource.
type Controller struct {
	audioOut  Output
	deviceOut Output
	log       *logger.Logger

	mu      sync.Mutex
	current *session
}

// NewController creates a Controller. audioOut renders encoded premium audio;
// deviceOut speaks fallback utterances. Either may be nil.
func NewController(audioOut, deviceOut Output, log *logger.Logger) *Controller {
	return &Controller{
		audioOut:  audioOut,
		deviceOut: deviceOut,
		log:       log,
		mu:        sync.Mutex{},
		current:   nil,
	}
}

// Play stops whatever is playing and starts clip. The returned channel
// yields Started followed by exactly one of Ended or Errored, then closes.
func (c *Controller) Play(ctx context.Context, clip *core.Audio) <-chan Event {
	events := make(chan Event, 2)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	output := c.outputFor(clip)
	if output == nil {
		events <- Event{Kind: EventErrored, Interrupted: false, Err: ErrNoOutput}
		close(events)

		return events
	}

	playCtx, cancel := context.WithCancel(ctx)
	current := &session{cancel: cancel, done: make(chan struct{})}
	c.current = current

	go c.run(playCtx, current, output, clip, events)

	return events
}

// Stop interrupts the current utterance and waits until its output is
// released. It is safe to call at any time.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
}

// Playing reports whether an utterance is in progress.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return false
	}

	select {
	case <-c.current.done:
		return false
	default:
		return true
	}
}

func (c *Controller) stopLocked() {
	if c.current == nil {
		return
	}

	c.current.cancel()
	<-c.current.done
	c.current = nil
}

func (c *Controller) outputFor(clip *core.Audio) Output {
	if clip == nil {
		return nil
	}

	if clip.HasData() {
		return c.audioOut
	}

	if clip.Backend == core.BackendFallback {
		return c.deviceOut
	}

	return nil
}

func (c *Controller) run(ctx context.Context, current *session, output Output, clip *core.Audio, events chan<- Event) {
	defer close(current.done)
	defer close(events)
	defer current.cancel()

	events <- Event{Kind: EventStarted, Interrupted: false, Err: nil}

	err := output.Render(ctx, clip)

	switch {
	case ctx.Err() != nil:
		events <- Event{Kind: EventEnded, Interrupted: true, Err: nil}
	case err != nil:
		c.log.Warn(logFmtPlaybackFailed, clip.Backend, err)
		events <- Event{Kind: EventErrored, Interrupted: false, Err: err}
	default:
		events <- Event{Kind: EventEnded, Interrupted: false, Err: nil}
	}
}
