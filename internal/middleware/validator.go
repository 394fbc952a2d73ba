package middleware

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Input validation and sanitization utilities

// allowedAudioExt mirrors the formats the model backend accepts.
var allowedAudioExt = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".m4a":  true,
}

// ValidateAudioFilename checks an upload carries a supported audio extension.
func ValidateAudioFilename(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return fmt.Errorf("missing file extension (allowed: wav, mp3, flac, m4a)")
	}
	if !allowedAudioExt[ext] {
		return fmt.Errorf("invalid file type: %s (allowed: wav, mp3, flac, m4a)", strings.TrimPrefix(ext, "."))
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}
