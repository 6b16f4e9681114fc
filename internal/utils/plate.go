package utils

import "strings"

// NormalizePlate trims the plate and removes dash separators. Plates without
// a separator are returned unchanged apart from surrounding whitespace.
func NormalizePlate(raw string) string {
	plate := strings.TrimSpace(raw)
	if !strings.Contains(plate, "-") {
		return plate
	}
	return strings.ReplaceAll(plate, "-", "")
}
