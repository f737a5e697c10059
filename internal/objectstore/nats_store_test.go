package objectstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func TestNatsObjectStore_UploadFetch(t *testing.T) {
	t.Parallel()

	_, natsConnection := startTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "speech-audio", time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	audio := []byte("ID3 fake mp3 frames")

	require.NoError(t, store.Upload(ctx, "clip-1.mp3", audio, "audio/mpeg"))

	object, err := store.Fetch(ctx, "clip-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, audio, object.Data)
	assert.Equal(t, "audio/mpeg", object.ContentType)

	data, err := store.Download(ctx, "clip-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, audio, data)

	_, err = store.Download(ctx, "missing.mp3")
	require.Error(t, err)

	require.ErrorIs(t, store.Upload(ctx, "", audio, ""), objectstore.ErrEmptyKey)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, natsConnection := startTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "speech-audio", 0)
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "k", []byte("v"), ""))

	second, err := objectstore.New(jetstreamContext, "speech-audio", 0)
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
