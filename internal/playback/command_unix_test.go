//go:build unix

package playback_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/playback"
	"github.com/stretchr/testify/require"
)

func TestCommandPlayer(t *testing.T) {
	t.Parallel()

	player, err := playback.NewCommandPlayer([]string{"cat"})
	require.NoError(t, err)
	require.NoError(t, player.Render(context.Background(), &core.Audio{Data: []byte("ID3")}))
	require.ErrorIs(t, player.Render(context.Background(), &core.Audio{}), playback.ErrNoOutput)

	failing, err := playback.NewCommandPlayer([]string{"false"})
	require.NoError(t, err)
	require.Error(t, failing.Render(context.Background(), &core.Audio{Data: []byte("ID3")}))

	slow, err := playback.NewCommandPlayer([]string{"sleep", "5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, slow.Render(ctx, &core.Audio{Data: []byte("ID3")}), context.DeadlineExceeded)

	_, err = playback.NewCommandPlayer([]string{""})
	require.ErrorIs(t, err, playback.ErrEmptyCommand)
}
