package router

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/satriahrh/tutur/domain/entities"
)

// Request is everything the router looks at for one turn
type Request struct {
	Text            string
	EstimatedTokens int
	HasPII          bool
	NeedsTools      bool
	// CloudAvailable is false when the caller knows the cloud path cannot be used
	CloudAvailable bool
	// CloudDegraded is an external degrade signal, on top of the router's own monitor
	CloudDegraded bool
	PrivacyLevel  entities.PrivacyLevel
	Preferences   map[string]string
}

// TextLength is the normalized text length in characters
func (r Request) TextLength() int {
	return utf8.RuneCountInString(r.Text)
}

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"card":        regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{1,7}\b`),
	"national_id": regexp.MustCompile(`\b(?:19|20)?\d{6}[\-+]\d{4}\b`),
	"phone":       regexp.MustCompile(`(?:\+\d{1,3}[ \-]?)?\(?\d{2,4}\)?[ \-]?\d{3,4}[ \-]?\d{3,4}\b`),
}

var toolKeywords = []string{
	"calendar", "meeting", "schedule", "appointment",
	"email", "e-mail", "inbox", "send a message",
	"remind", "reminder", "alarm", "timer",
	"weather", "forecast", "search", "look up", "news",
	"book a", "order", "navigate", "directions",
}

// Analyze derives a routing request from a final transcript. Cloud
// availability defaults to true and is narrowed by the router.
func Analyze(text string) Request {
	normalized := NormalizeText(text)
	return Request{
		Text:            normalized,
		EstimatedTokens: EstimateTokens(normalized),
		HasPII:          DetectPII(text) != "",
		NeedsTools:      NeedsTools(normalized),
		CloudAvailable:  true,
		PrivacyLevel:    entities.PrivacyStandard,
	}
}

// NormalizeText lowercases and collapses whitespace
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// EstimateTokens approximates model tokens as 1.3 per word, rounded up
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// DetectPII returns the kind of the first personal data pattern found, or ""
func DetectPII(text string) string {
	for _, kind := range []string{"email", "card", "national_id", "phone"} {
		if piiPatterns[kind].MatchString(text) {
			return kind
		}
	}
	return ""
}

// NeedsTools reports whether normalized text asks for an integration
func NeedsTools(normalized string) bool {
	for _, kw := range toolKeywords {
		if strings.Contains(normalized, kw) {
			return true
		}
	}
	return false
}
