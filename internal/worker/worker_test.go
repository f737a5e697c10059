package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/store"
	"github.com/book-expert/tutor-tts-service/internal/tts/text"
	"github.com/book-expert/tutor-tts-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "test.speech.requested"

var (
	testNow        = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	errMockUpload  = errors.New("mock upload error")
	errVendorCrash = errors.New("vendor crashed")
)

type mockObjectStore struct {
	mu           sync.Mutex
	uploadErr    error
	uploadedKey  string
	uploadedData []byte
	uploadedMIME string
}

func (m *mockObjectStore) Download(_ context.Context, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.uploadedData, nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte, mimeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.uploadErr != nil {
		return m.uploadErr
	}

	m.uploadedKey = key
	m.uploadedData = data
	m.uploadedMIME = mimeType

	return nil
}

func (m *mockObjectStore) key() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.uploadedKey
}

type stubBackend struct {
	kind core.BackendKind

	mu  sync.Mutex
	err error
}

func (b *stubBackend) Name() string { return string(b.kind) }

func (b *stubBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.err = err
}

func (b *stubBackend) Synthesize(_ context.Context, req core.SynthesisRequest) (*core.Audio, error) {
	b.mu.Lock()
	err := b.err
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}

	clip := &core.Audio{
		Backend:    b.kind,
		Text:       req.Text,
		VoiceID:    req.VoiceID,
		Language:   "en",
		Speed:      1,
		Characters: text.CharCount(req.Text),
	}

	if b.kind == core.BackendPremium {
		clip.Data = []byte("ID3-speech")
		clip.MIMEType = "audio/mpeg"
	}

	return clip, nil
}

type fixture struct {
	conn     *nats.Conn
	ledger   *store.Memory
	objects  *mockObjectStore
	premium  *stubBackend
	fallback *stubBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)

	conn, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	f := &fixture{
		conn:     conn,
		ledger:   store.NewMemory(func() time.Time { return testNow }),
		objects:  &mockObjectStore{},
		premium:  &stubBackend{kind: core.BackendPremium},
		fallback: &stubBackend{kind: core.BackendFallback},
	}

	resolver := plan.NewResolver(f.ledger, log, func() time.Time { return testNow })
	registry := router.NewRegistry(func(studentID, clientID string) *router.Router {
		return router.New(router.Config{
			StudentID: studentID,
			ClientID:  clientID,
			Premium:   f.premium,
			Fallback:  f.fallback,
			Ledger:    f.ledger,
			Resolver:  resolver,
			Log:       log,
			Now:       func() time.Time { return testNow },
		})
	}, 0, func() time.Time { return testNow })

	natsWorker := worker.NewNatsWorker(conn, testSubject, "speech", registry, f.objects, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- natsWorker.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done, "worker.Run should not error on graceful shutdown")
		conn.Close()
		natsServer.Shutdown()
		_ = log.Close()
	})

	select {
	case <-natsWorker.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not subscribe")
	}

	return f
}

func (f *fixture) seedPro(studentID string, used int) {
	started := testNow.Add(-time.Hour)
	ends := testNow.Add(29 * 24 * time.Hour)

	f.ledger.Put(core.Subscription{
		StudentID:       studentID,
		Plan:            core.PlanPro,
		Active:          true,
		StartedAt:       &started,
		EndsAt:          &ends,
		CharactersUsed:  used,
		CharactersLimit: core.DefaultCharactersLimit,
		UpdatedAt:       testNow,
	})
}

func (f *fixture) request(t *testing.T, studentID, utterance string) worker.SpeechSynthesizedEvent {
	t.Helper()

	event := worker.SpeechRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  testNow,
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     studentID,
			TenantID:   "",
		},
		ClientID: "tablet",
		Text:     utterance,
		VoiceID:  "sarah",
		Language: "",
		Speed:    1,
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	msg, err := f.conn.Request(testSubject, data, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply worker.SpeechSynthesizedEvent

	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, event.Header.WorkflowID, reply.Header.WorkflowID)

	return reply
}

func TestWorker_ProArchivesPremiumAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedPro("nour", 0)

	utterance := "**Photosynthesis** makes sugar."
	reply := f.request(t, "nour", utterance)

	assert.Empty(t, reply.Error)
	assert.Equal(t, "premium", reply.Backend)
	assert.Equal(t, "none", reply.Reason)
	assert.Equal(t, f.objects.key(), reply.AudioKey)
	assert.Regexp(t, `\.mp3$`, reply.AudioKey)
	assert.Equal(t, "audio/mpeg", reply.MIMEType)
	assert.Empty(t, reply.AudioData)
	assert.Equal(t, text.CharCount(text.Sanitize(utterance)), reply.Characters)
	assert.Equal(t, reply.Characters, reply.Usage.TTSUsed)
	assert.True(t, reply.Usage.UsingPremium)

	sub, err := f.ledger.Subscription(context.Background(), "nour")
	require.NoError(t, err)
	assert.Equal(t, reply.Characters, sub.CharactersUsed)
}

func TestWorker_BasicGetsFallbackParameters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.ledger.EnsureStudent(context.Background(), "omar", core.DefaultCharactersLimit)
	require.NoError(t, err)

	reply := f.request(t, "omar", "Read the next paragraph.")

	assert.Equal(t, "fallback", reply.Backend)
	assert.Equal(t, "basic_plan", reply.Reason)
	assert.Empty(t, reply.AudioKey)
	assert.Equal(t, "sarah", reply.VoiceID)
	assert.Equal(t, "en", reply.Language)
	assert.Empty(t, f.objects.key())
}

func TestWorker_AnonymousRequestUsesFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	reply := f.request(t, "", "Hello there.")

	assert.Equal(t, "fallback", reply.Backend)
	assert.Equal(t, "no_identity", reply.Reason)
}

func TestWorker_ReportsFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedPro("sami", 0)

	reply := f.request(t, "sami", "   ")
	assert.Equal(t, "empty_text", reply.Error)

	f.premium.fail(errVendorCrash)
	f.fallback.fail(errVendorCrash)

	reply = f.request(t, "sami", "Nobody can say this.")
	assert.Equal(t, "speech_failed", reply.Error)
	assert.Equal(t, "both_failed", reply.Reason)
}

func TestWorker_ArchiveFailureRepliesInline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedPro("lina", 0)

	f.objects.mu.Lock()
	f.objects.uploadErr = errMockUpload
	f.objects.mu.Unlock()

	reply := f.request(t, "lina", "Archive me.")

	assert.Empty(t, reply.Error)
	assert.Equal(t, "premium", reply.Backend)
	assert.Empty(t, reply.AudioKey)
	assert.Equal(t, []byte("ID3-speech"), reply.AudioData)
	assert.Equal(t, "audio/mpeg", reply.MIMEType)

	sub, err := f.ledger.Subscription(context.Background(), "lina")
	require.NoError(t, err)
	assert.Equal(t, reply.Characters, sub.CharactersUsed)
}

func TestWorker_MalformedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	msg, err := f.conn.Request(testSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var reply worker.SpeechSynthesizedEvent

	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, "bad_request", reply.Error)
}
