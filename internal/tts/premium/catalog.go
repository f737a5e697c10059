package premium

import (
	"errors"
	"fmt"
	"unicode"
)

// Models offered by the vendor.
const (
	ModelStandard     = "tts-standard"
	ModelMultilingual = "tts-multilingual"
)

const (
	// DefaultLanguage is used when the caller's language does not match the
	// script of the text.
	DefaultLanguage = "en"

	languageArabic = "ar"
)

// Gender is the perceived gender of a catalog voice.
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

var (
	ErrEmptyCatalog   = errors.New("voice catalog cannot be empty")
	ErrDuplicateVoice = errors.New("duplicate voice id")
	ErrUnknownDefault = errors.New("default voice is not in the catalog")
)

// Voice is one entry of the vendor voice catalog.
type Voice struct {
	ID       string
	Name     string
	Language string
	Gender   Gender
}

// Catalog is a fixed set of vendor voices with a default.
type Catalog struct {
	voices    []Voice
	byID      map[string]Voice
	defaultID string
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	catalog, _ := NewCatalog([]Voice{
		{ID: "sarah", Name: "Sarah", Language: "en", Gender: GenderFemale},
		{ID: "adam", Name: "Adam", Language: "en", Gender: GenderMale},
		{ID: "laila", Name: "Laila", Language: languageArabic, Gender: GenderFemale},
		{ID: "omar", Name: "Omar", Language: languageArabic, Gender: GenderMale},
	}, "sarah")

	return catalog
}

// NewCatalog validates voices and builds a Catalog.
func NewCatalog(voices []Voice, defaultID string) (*Catalog, error) {
	if len(voices) == 0 {
		return nil, ErrEmptyCatalog
	}

	byID := make(map[string]Voice, len(voices))

	for _, voice := range voices {
		if _, exists := byID[voice.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVoice, voice.ID)
		}

		byID[voice.ID] = voice
	}

	if _, ok := byID[defaultID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefault, defaultID)
	}

	return &Catalog{
		voices:    append([]Voice(nil), voices...),
		byID:      byID,
		defaultID: defaultID,
	}, nil
}

// Lookup returns the voice with id, or the default voice when id is unknown.
func (c *Catalog) Lookup(id string) Voice {
	voice, ok := c.byID[id]
	if !ok {
		return c.byID[c.defaultID]
	}

	return voice
}

// Voices returns a copy of the catalog in declaration order.
func (c *Catalog) Voices() []Voice {
	return append([]Voice(nil), c.voices...)
}

// HasArabicScript reports whether text contains any Arabic letter.
func HasArabicScript(text string) bool {
	for _, char := range text {
		if unicode.Is(unicode.Arabic, char) {
			return true
		}
	}

	return false
}

// selectModel picks the model and effective language for text. Arabic
// script always wins; a caller asking for Arabic on non-Arabic text gets
// the default language.
func selectModel(text, requested string) (model, language string) {
	if HasArabicScript(text) {
		return ModelMultilingual, languageArabic
	}

	if requested == "" || requested == languageArabic {
		return ModelStandard, DefaultLanguage
	}

	return ModelStandard, requested
}
