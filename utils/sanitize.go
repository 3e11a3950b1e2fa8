package utils

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxUserAgentLength caps stored User-Agent strings.
const MaxUserAgentLength = 512

var stripAll = bluemonday.StrictPolicy()

// SanitizeUserAgent strips markup from a User-Agent header and trims it to
// MaxUserAgentLength. The result is HTML-escaped text.
func SanitizeUserAgent(ua string) string {
	clean := strings.TrimSpace(stripAll.Sanitize(ua))
	if len(clean) <= MaxUserAgentLength {
		return clean
	}
	clean = clean[:MaxUserAgentLength]
	for !utf8.ValidString(clean) {
		clean = clean[:len(clean)-1]
	}
	return clean
}
