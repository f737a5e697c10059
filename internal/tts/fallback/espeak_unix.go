//go:build unix

package fallback

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

const (
	espeakBinary   = "espeak-ng"
	espeakBaseWPM  = 175
	espeakMinWPM   = 80
	espeakMaxWPM   = 450
	voiceListStart = 1
)

var errNotSpeaking = errors.New("espeak: nothing is being spoken")

// ESpeakDevice speaks through the espeak-ng binary. Pause and resume stop
// and continue the running process.
type ESpeakDevice struct {
	binary string

	mu      sync.Mutex
	current *exec.Cmd
}

var _ Device = (*ESpeakDevice)(nil)

// NewESpeakDevice creates a device using binary, or espeak-ng from PATH when
// binary is empty.
func NewESpeakDevice(binary string) *ESpeakDevice {
	if binary == "" {
		binary = espeakBinary
	}

	return &ESpeakDevice{binary: binary, mu: sync.Mutex{}, current: nil}
}

// Available reports whether the binary can be found.
func (d *ESpeakDevice) Available() bool {
	_, err := exec.LookPath(d.binary)

	return err == nil
}

// Voices lists installed voices from "espeak-ng --voices".
func (d *ESpeakDevice) Voices(ctx context.Context) ([]DeviceVoice, error) {
	// #nosec G204 -- binary comes from configuration, not from requests
	output, err := exec.CommandContext(ctx, d.binary, "--voices").Output()
	if err != nil {
		return nil, fmt.Errorf("espeak voice listing failed: %w", err)
	}

	return parseVoiceList(output), nil
}

// Speak runs espeak-ng for the utterance and waits for it to exit.
func (d *ESpeakDevice) Speak(ctx context.Context, utterance Utterance) error {
	args := []string{"-s", strconv.Itoa(wordsPerMinute(utterance.Speed))}
	if utterance.VoiceID != "" {
		args = append(args, "-v", utterance.VoiceID)
	}

	args = append(args, "--", utterance.Text)

	// #nosec G204 -- text is passed as a single argument after "--"
	cmd := exec.CommandContext(ctx, d.binary, args...)

	d.mu.Lock()

	err := cmd.Start()
	if err != nil {
		d.mu.Unlock()

		return fmt.Errorf("espeak failed to start: %w", err)
	}

	d.current = cmd
	d.mu.Unlock()

	err = cmd.Wait()

	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		return fmt.Errorf("espeak exited with error: %w", err)
	}

	return nil
}

func (d *ESpeakDevice) Pause() error { return d.signal(syscall.SIGSTOP) }

func (d *ESpeakDevice) Resume() error { return d.signal(syscall.SIGCONT) }

// Cancel kills the running utterance, if any.
func (d *ESpeakDevice) Cancel() error {
	err := d.signal(syscall.SIGKILL)
	if errors.Is(err, errNotSpeaking) {
		return nil
	}

	return err
}

func (d *ESpeakDevice) signal(sig syscall.Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil || d.current.Process == nil {
		return errNotSpeaking
	}

	err := d.current.Process.Signal(sig)
	if err != nil {
		return fmt.Errorf("espeak signal %v failed: %w", sig, err)
	}

	return nil
}

// wordsPerMinute maps a speed multiplier onto espeak's -s range.
func wordsPerMinute(speed float64) int {
	if speed <= 0 {
		speed = 1
	}

	wpm := int(speed * espeakBaseWPM)

	return max(espeakMinWPM, min(espeakMaxWPM, wpm))
}

// parseVoiceList reads the columns "Pty Language Age/Gender VoiceName File ...".
func parseVoiceList(output []byte) []DeviceVoice {
	var voices []DeviceVoice

	scanner := bufio.NewScanner(bytes.NewReader(output))
	line := 0

	for scanner.Scan() {
		line++
		if line <= voiceListStart {
			continue
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		voices = append(voices, DeviceVoice{
			ID:       fields[1],
			Name:     fields[3],
			Language: fields[1],
		})
	}

	return voices
}
