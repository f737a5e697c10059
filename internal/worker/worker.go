// Package worker serves speech requests over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/tts/audio"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the request subject.
const DefaultSubject = "tts.speech.requested"

const handleMessageTimeout = 30 * time.Second

const (
	errCodeBadRequest = "bad_request"
	errCodeEmptyText  = "empty_text"
	errCodeNoSpeech   = "speech_failed"
)

const (
	logFmtBadEvent     = "Failed to parse speech request: %v"
	logFmtRouteFailed  = "Speech request %s for student %q failed: %v"
	logFmtUploadFailed = "Failed to archive audio for request %s, replying inline: %v"
	logFmtReplyFailed  = "Failed to reply to speech request %s: %v"
	logFmtNoReply      = "Speech request %s has no reply subject, dropping result"
)

// RouterSource hands out the router of a (student, client) pair.
type RouterSource interface {
	Get(studentID, clientID string) *router.Router
}

// NatsWorker answers speech requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queue          string
	routers        RouterSource
	store          core.ObjectStore
	log            *logger.Logger
	ready          chan struct{}
}

// NewNatsWorker creates a worker. Members of the same queue group share
// the load.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject, queue string,
	routers RouterSource,
	store core.ObjectStore,
	log *logger.Logger,
) *NatsWorker {
	if subject == "" {
		subject = DefaultSubject
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queue:          queue,
		routers:        routers,
		store:          store,
		log:            log,
		ready:          make(chan struct{}),
	}
}

// Ready is closed once the subscription is registered with the server.
func (w *NatsWorker) Ready() <-chan struct{} {
	return w.ready
}

// Run subscribes and blocks until ctx is done, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.queue != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.subject, w.queue, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	err = w.natsConnection.Flush()
	if err != nil {
		_ = sub.Unsubscribe()

		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	close(w.ready)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseEvent(msg.Data)
	if err != nil {
		w.log.Error(logFmtBadEvent, err)
		w.reply(msg, &SpeechSynthesizedEvent{Error: errCodeBadRequest})

		return
	}

	reply := w.process(ctx, event)
	w.reply(msg, reply)
}

// process routes one request and archives premium audio.
func (w *NatsWorker) process(ctx context.Context, event *SpeechRequestedEvent) *SpeechSynthesizedEvent {
	studentID := event.Header.UserID
	speechRouter := w.routers.Get(studentID, event.ClientID)

	if studentID != "" && !speechRouter.View().Loaded {
		speechRouter.Refresh(ctx)
	}

	reply := &SpeechSynthesizedEvent{Header: event.Header}

	outcome, err := speechRouter.Synthesize(ctx, router.Request{
		Text:     event.Text,
		VoiceID:  event.VoiceID,
		Language: event.Language,
		Speed:    event.Speed,
	})
	if err != nil {
		w.log.Error(logFmtRouteFailed, event.Header.EventID, studentID, err)

		reply.Error = errCodeNoSpeech
		if errors.Is(err, core.ErrEmptyText) {
			reply.Error = errCodeEmptyText
		}

		var routeErr *router.RouteError
		if errors.As(err, &routeErr) {
			reply.Reason = routeErr.Reason.String()
		}

		reply.Usage = speechRouter.View()

		return reply
	}

	reply.Backend = string(outcome.Backend)
	reply.Reason = outcome.Reason.String()
	reply.Characters = outcome.Characters

	if outcome.Audio != nil {
		reply.VoiceID = outcome.Audio.VoiceID
		reply.Language = outcome.Audio.Language
		reply.Speed = outcome.Audio.Speed
	}

	if outcome.Audio.HasData() {
		reply.MIMEType = outcome.Audio.MIMEType

		// Billed audio is always returned.
		key, uploadErr := w.archive(ctx, outcome.Audio)
		if uploadErr != nil {
			w.log.Error(logFmtUploadFailed, event.Header.EventID, uploadErr)
			reply.AudioData = outcome.Audio.Data
		} else {
			reply.AudioKey = key
		}
	}

	reply.Usage = speechRouter.View()

	return reply
}

func (w *NatsWorker) archive(ctx context.Context, clip *core.Audio) (string, error) {
	key := uuid.NewString()

	format, ok := audio.FormatForMIME(clip.MIMEType)
	if !ok {
		format, ok = audio.Sniff(clip.Data)
	}

	if ok {
		key += "." + string(format)
	}

	err := w.store.Upload(ctx, key, clip.Data, clip.MIMEType)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", key, err)
	}

	return key, nil
}

func (w *NatsWorker) reply(msg *nats.Msg, reply *SpeechSynthesizedEvent) {
	if msg.Reply == "" {
		w.log.Warn(logFmtNoReply, reply.Header.EventID)

		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		w.log.Error(logFmtReplyFailed, reply.Header.EventID, err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		w.log.Error(logFmtReplyFailed, reply.Header.EventID, err)
	}
}

func parseEvent(data []byte) (*SpeechRequestedEvent, error) {
	var event SpeechRequestedEvent

	err := json.Unmarshal(data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
