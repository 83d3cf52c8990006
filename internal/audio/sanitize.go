// SPDX-License-Identifier: MIT

// Package audio provides a small, safety-critical string helper shared by
// the configuration loader: normalizing a source name so it is always safe
// to use as a CSV field, a structured-log attribute value, or a Prometheus
// label value.
package audio

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxNameLength is the maximum length of a sanitized source name.
	MaxNameLength = 64

	// MaxRawInputLength bounds the cost of sanitizing a pathological input;
	// anything longer is rejected outright.
	MaxRawInputLength = 1024
)

// SanitizeName normalizes an administrator-supplied source name (a
// `cameras` map key) into a string that is always safe to use as a CSV
// field, a structured-log attribute value, or a Prometheus label value.
//
// Rules:
//  1. Empty or excessively long input returns a timestamped fallback.
//  2. Control characters, path traversal ("..") and the "/" and "$"
//     characters are rejected outright (a timestamped fallback is returned)
//     rather than stripped, since silently mangling a name an operator will
//     later search logs for is worse than a visibly different fallback.
//  3. Truncate to MaxNameLength.
//  4. Replace any remaining non-alphanumeric character with underscore,
//     collapse repeats, and trim leading/trailing underscores.
//  5. Prefix "src_" if the result starts with a digit.
//  6. Return a timestamped fallback if nothing safe remains.
func SanitizeName(name string) string {
	if name == "" {
		return timestampFallback()
	}
	if len(name) > MaxRawInputLength {
		return timestampFallback()
	}
	if containsControlChars(name) {
		return timestampFallback()
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/$") ||
		strings.HasPrefix(name, "-") {
		return timestampFallback()
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}

	sanitized := replaceNonAlphanumeric(name)
	sanitized = collapseUnderscores(sanitized)
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "src_" + sanitized
	}

	if sanitized == "" {
		return timestampFallback()
	}

	return sanitized
}

func replaceNonAlphanumeric(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			result.WriteByte(c)
		} else {
			result.WriteByte('_')
		}
	}

	return result.String()
}

func collapseUnderscores(s string) string {
	re := regexp.MustCompile(`_+`)
	return re.ReplaceAllString(s, "_")
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// timestampFallback returns "unknown_source_" followed by the Unix
// timestamp, so two consecutive unsafe names remain distinguishable.
func timestampFallback() string {
	return fmt.Sprintf("unknown_source_%d", time.Now().Unix())
}

// containsControlChars reports whether s contains a control character
// (0x00-0x1F, or DEL) other than tab, newline, or carriage return.
func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
