package filter

import (
	"strings"
	"unicode/utf8"
)

// Drop reasons reported by the classifier.
const (
	ReasonTooShort         = "too_short"
	ReasonNoSignalKeywords = "no_signal_keywords"
)

// DefaultHeaderPhrases are the announcement headers that mark a signal.
var DefaultHeaderPhrases = []string{"oculus trading signal"}

// ClassifierOptions tune the signal heuristics.
type ClassifierOptions struct {
	MinLength     int
	HeaderPhrases []string
}

// Classification is the outcome of classifying one message body.
type Classification struct {
	Signal bool
	Reason string
}

// Classifier decides whether chat content looks like a trading signal.
type Classifier struct {
	minLength int
	headers   []string
}

// NewClassifier constructs a Classifier. Zero options fall back to defaults.
func NewClassifier(opts ClassifierOptions) *Classifier {
	minLength := opts.MinLength
	if minLength <= 0 {
		minLength = 20
	}
	phrases := opts.HeaderPhrases
	if len(phrases) == 0 {
		phrases = DefaultHeaderPhrases
	}
	headers := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			headers = append(headers, p)
		}
	}
	return &Classifier{minLength: minLength, headers: headers}
}

// IsSignal reports whether content is a relevant signal.
func (c *Classifier) IsSignal(content string) bool {
	return c.Classify(content).Signal
}

// Classify applies the length gate and then the two keyword rules.
func (c *Classifier) Classify(content string) Classification {
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) < c.minLength {
		return Classification{Reason: ReasonTooShort}
	}

	lower := strings.ToLower(trimmed)
	for _, h := range c.headers {
		if strings.Contains(lower, h) {
			return Classification{Signal: true}
		}
	}
	if strings.Contains(lower, "ticker") && strings.ContainsAny(lower, ":：") {
		return Classification{Signal: true}
	}
	return Classification{Reason: ReasonNoSignalKeywords}
}

// HeaderPhrases exposes the normalised header list.
func (c *Classifier) HeaderPhrases() []string {
	return append([]string(nil), c.headers...)
}
