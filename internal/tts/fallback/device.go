// Package fallback implements the unmetered on-device speech backend.
package fallback

import (
	"context"
	"errors"
)

// ErrNoOutput is returned by devices that can list voices but cannot speak,
// such as a server that delegates device speech to its clients.
var ErrNoOutput = errors.New("device has no audio output")

// DeviceVoice is a voice installed on the speech device.
type DeviceVoice struct {
	ID       string
	Name     string
	Language string
}

// Utterance is what a device is asked to speak.
type Utterance struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
}

// Device is a local speech engine.
// Speak blocks until the utterance finishes, fails or ctx is done.
type Device interface {
	Available() bool
	Voices(ctx context.Context) ([]DeviceVoice, error)
	Speak(ctx context.Context, utterance Utterance) error
	Pause() error
	Resume() error
	Cancel() error
}

// StaticDevice lists a fixed set of voices and never speaks.
type StaticDevice struct {
	voices []DeviceVoice
}

var _ Device = (*StaticDevice)(nil)

// NewStaticDevice creates a StaticDevice with voices.
func NewStaticDevice(voices []DeviceVoice) *StaticDevice {
	return &StaticDevice{voices: append([]DeviceVoice(nil), voices...)}
}

func (d *StaticDevice) Available() bool { return len(d.voices) > 0 }

func (d *StaticDevice) Voices(_ context.Context) ([]DeviceVoice, error) {
	return append([]DeviceVoice(nil), d.voices...), nil
}

func (d *StaticDevice) Speak(_ context.Context, _ Utterance) error { return ErrNoOutput }

func (d *StaticDevice) Pause() error { return nil }

func (d *StaticDevice) Resume() error { return nil }

func (d *StaticDevice) Cancel() error { return nil }
