package fallback

import (
	"strings"

	"golang.org/x/text/language"
)

// SelectVoice picks a voice for requested: an exact tag match first, then
// any voice sharing the base language, then the same two checks for each
// preference in order, then the first voice. It reports false only when
// voices is empty.
func SelectVoice(voices []DeviceVoice, requested string, preferences []string) (DeviceVoice, bool) {
	if len(voices) == 0 {
		return DeviceVoice{}, false
	}

	candidates := make([]string, 0, len(preferences)+1)
	if requested != "" {
		candidates = append(candidates, requested)
	}

	candidates = append(candidates, preferences...)

	for _, candidate := range candidates {
		voice, ok := matchLanguage(voices, candidate)
		if ok {
			return voice, true
		}
	}

	return voices[0], true
}

func matchLanguage(voices []DeviceVoice, requested string) (DeviceVoice, bool) {
	wanted, err := language.Parse(requested)
	if err != nil {
		return DeviceVoice{}, false
	}

	for _, voice := range voices {
		if strings.EqualFold(normalizeTag(voice.Language), wanted.String()) {
			return voice, true
		}
	}

	wantedBase, _ := wanted.Base()

	for _, voice := range voices {
		tag, parseErr := language.Parse(normalizeTag(voice.Language))
		if parseErr != nil {
			continue
		}

		base, _ := tag.Base()
		if base == wantedBase {
			return voice, true
		}
	}

	return DeviceVoice{}, false
}

// normalizeTag turns engine spellings such as "en_US" into BCP 47.
func normalizeTag(tag string) string {
	return strings.ReplaceAll(tag, "_", "-")
}
