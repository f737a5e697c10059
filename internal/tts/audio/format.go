// Package audio describes the encoded audio formats the service moves around
// and recognizes payloads that are not audio at all.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Format represents supported audio formats.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatOpus Format = "opus"
	FormatAAC  Format = "aac"
	FormatFLAC Format = "flac"
)

// DefaultFormat is requested from the premium vendor unless configured otherwise.
const DefaultFormat = FormatMP3

// ErrInvalidFormat is returned for formats the service cannot play or cache.
var ErrInvalidFormat = errors.New("invalid audio format")

var mimeTypes = map[Format]string{
	FormatMP3:  "audio/mpeg",
	FormatWAV:  "audio/wav",
	FormatOGG:  "audio/ogg",
	FormatOpus: "audio/opus",
	FormatAAC:  "audio/aac",
	FormatFLAC: "audio/flac",
}

// ParseFormat validates a configured format name.
func ParseFormat(name string) (Format, error) {
	format := Format(strings.ToLower(strings.TrimSpace(name)))
	if format == "" {
		return DefaultFormat, nil
	}

	if _, ok := mimeTypes[format]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, name)
	}

	return format, nil
}

// MIMEType returns the content type for f, or application/octet-stream.
func (f Format) MIMEType() string {
	mime, ok := mimeTypes[f]
	if !ok {
		return "application/octet-stream"
	}

	return mime
}

// errorEnvelopeMarkers are prefixes of vendor error bodies that sometimes end
// up stored where audio was expected.
var errorEnvelopeMarkers = [][]byte{
	[]byte(`{"error`),
	[]byte(`{"detail`),
	[]byte(`{"message`),
	[]byte(`{"status`),
	[]byte("<html"),
	[]byte("<!doctype"),
}

// LooksLikeErrorEnvelope reports whether data is empty or is a textual error
// payload (JSON or HTML) instead of encoded audio.
func LooksLikeErrorEnvelope(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return true
	}

	lowered := bytes.ToLower(trimmed)
	compact := bytes.ReplaceAll(lowered, []byte(" "), nil)

	for _, marker := range errorEnvelopeMarkers {
		if bytes.HasPrefix(compact, marker) {
			return true
		}
	}

	return false
}

// Sniff guesses the format of data from its magic bytes.
func Sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV, true
	case bytes.HasPrefix(data, []byte("ID3")):
		return FormatMP3, true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		if data[1]&0x06 == 0 {
			return FormatAAC, true
		}

		return FormatMP3, true
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG, true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC, true
	}

	return "", false
}

// FormatForMIME returns the format whose content type is mime.
func FormatForMIME(mime string) (Format, bool) {
	for format, candidate := range mimeTypes {
		if candidate == mime {
			return format, true
		}
	}

	return "", false
}
