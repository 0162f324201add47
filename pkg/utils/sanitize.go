package utils

import (
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)
var nonIdentifierChars = regexp.MustCompile(`[^a-z0-9_]`)

const maxFilenameLength = 100
const maxIdentifierLength = 48

// SanitizeFilename cleans a string to be safe for use as a filename component
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = strings.Trim(sanitized[:maxFilenameLength], "_ ")
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// SanitizeIdentifier turns an arbitrary job ID into a lowercase SQL identifier
// fragment made of [a-z0-9_] only. The result is safe to interpolate into DDL.
func SanitizeIdentifier(name string) string {
	sanitized := nonIdentifierChars.ReplaceAllString(strings.ToLower(name), "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_")
	if len(sanitized) > maxIdentifierLength {
		sanitized = strings.Trim(sanitized[:maxIdentifierLength], "_")
	}
	if sanitized == "" {
		sanitized = "default"
	}
	return sanitized
}
