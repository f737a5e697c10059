package worker

import (
	"github.com/book-expert/events"
	"github.com/book-expert/tutor-tts-service/internal/router"
)

// SpeechRequestedEvent asks for one utterance. Header.UserID carries the
// student id; without one the request is spoken by the fallback.
type SpeechRequestedEvent struct {
	Header   events.EventHeader `json:"header"`
	ClientID string             `json:"client_id"`
	Text     string             `json:"text"`
	VoiceID  string             `json:"voice_id,omitempty"`
	Language string             `json:"language,omitempty"`
	Speed    float64            `json:"speed,omitempty"`
}

// SpeechSynthesizedEvent is the reply. Premium audio is archived under
// AudioKey, or carried in AudioData when the archive is unavailable;
// fallback replies carry the voice parameters for the device.
type SpeechSynthesizedEvent struct {
	Header     events.EventHeader `json:"header"`
	AudioKey   string             `json:"audio_key,omitempty"`
	AudioData  []byte             `json:"audio_data,omitempty"`
	MIMEType   string             `json:"mime_type,omitempty"`
	Backend    string             `json:"backend,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Characters int                `json:"characters"`
	VoiceID    string             `json:"voice_id,omitempty"`
	Language   string             `json:"language,omitempty"`
	Speed      float64            `json:"speed,omitempty"`
	Usage      router.View        `json:"usage"`
	Error      string             `json:"error,omitempty"`
}
