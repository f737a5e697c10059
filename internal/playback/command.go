package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/book-expert/tutor-tts-service/internal/core"
)

// DefaultPlayerCommand plays audio from stdin without a window.
var DefaultPlayerCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"}

var ErrEmptyCommand = errors.New("player command cannot be empty")

// CommandPlayer renders encoded audio by piping it to an external player.
type CommandPlayer struct {
	name string
	args []string
}

var _ Output = (*CommandPlayer)(nil)

// NewCommandPlayer creates a player running command, whose first element is
// the binary. An empty command uses DefaultPlayerCommand.
func NewCommandPlayer(command []string) (*CommandPlayer, error) {
	if len(command) == 0 {
		command = DefaultPlayerCommand
	}

	if command[0] == "" {
		return nil, ErrEmptyCommand
	}

	return &CommandPlayer{name: command[0], args: append([]string(nil), command[1:]...)}, nil
}

// Render writes clip.Data to the player's stdin and waits for it to exit.
// Cancelling ctx kills the player.
func (p *CommandPlayer) Render(ctx context.Context, clip *core.Audio) error {
	if !clip.HasData() {
		return ErrNoOutput
	}

	// #nosec G204 -- the command comes from configuration
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(clip.Data)

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		return fmt.Errorf("player %s failed: %w - output: %s", p.name, err, string(output))
	}

	return nil
}
