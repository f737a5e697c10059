//go:build !unix

package fallback

import "context"

// ESpeakDevice is unavailable on this platform.
type ESpeakDevice struct{}

var _ Device = (*ESpeakDevice)(nil)

// NewESpeakDevice returns a device that reports itself unavailable.
func NewESpeakDevice(_ string) *ESpeakDevice {
	return &ESpeakDevice{}
}

func (d *ESpeakDevice) Available() bool { return false }

func (d *ESpeakDevice) Voices(_ context.Context) ([]DeviceVoice, error) { return nil, nil }

func (d *ESpeakDevice) Speak(_ context.Context, _ Utterance) error { return ErrNoOutput }

func (d *ESpeakDevice) Pause() error { return nil }

func (d *ESpeakDevice) Resume() error { return nil }

func (d *ESpeakDevice) Cancel() error { return nil }
