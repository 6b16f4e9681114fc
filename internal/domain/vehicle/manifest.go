package vehicle

import (
	"regexp"
	"strings"
)

var (
	manifestLabelPattern    = regexp.MustCompile(`^([A-Z]{3})\s*(\d+)(?:-(\d+))?`)
	embeddedManifestPattern = regexp.MustCompile(`^([A-Za-z]+)([\d-]+)`)
	nonDigits               = regexp.MustCompile(`[^0-9]`)
)

// ParseManifestLabel splits a listing label such as "ABC1234-56" into the
// carrier code and the manifest number with the separator removed.
func ParseManifestLabel(label string) (ManifestRef, bool) {
	m := manifestLabelPattern.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return ManifestRef{}, false
	}
	return ManifestRef{CarrierCode: m[1], Number: m[2] + m[3]}, true
}

// ParseEmbeddedManifest parses the single manifest reference shown in the
// detail form, e.g. "CTA123-4". All non-digits are dropped from the number.
func ParseEmbeddedManifest(text string) (ManifestRef, bool) {
	m := embeddedManifestPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ManifestRef{}, false
	}
	number := nonDigits.ReplaceAllString(m[2], "")
	if number == "" {
		return ManifestRef{}, false
	}
	return ManifestRef{CarrierCode: m[1], Number: number}, true
}
