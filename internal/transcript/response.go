package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResponseType tags an outbound response
type ResponseType string

const (
	TypeInterim ResponseType = "interim"
	TypeFinal   ResponseType = "final"
	TypeError   ResponseType = "error"
)

// Response is the JSON message written to the client for every emission
type Response struct {
	ID            string       `json:"id"`
	ParticipantID string       `json:"participant_id"`
	Timestamp     int64        `json:"ts"`
	Text          string       `json:"text"`
	Audio         string       `json:"audio,omitempty"` // base64 WAV, debug export only
	Type          ResponseType `json:"type"`
	Variance      float64      `json:"variance"`
}

// NewResponseID returns a time-ordered segment id
func NewResponseID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Millis converts t to UTC epoch milliseconds
func Millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// Finalized text that must never be fed back as context; it biases the
// model towards repeating itself.
var deniedPrompts = []string{". ."}

// IsDeniedPrompt reports whether finalized text is excluded from the continuation context
func IsDeniedPrompt(text string) bool {
	text = strings.TrimSpace(text)
	for _, denied := range deniedPrompts {
		if text == denied {
			return true
		}
	}
	return false
}

// NormalizeLanguage reduces a locale such as "en-US" to its primary language
// code. An empty value yields fallback.
func NormalizeLanguage(lang, fallback string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = strings.TrimSpace(lang[:i])
	}
	if lang == "" {
		return fallback
	}
	return lang
}
