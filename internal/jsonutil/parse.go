// Package jsonutil extracts structured payloads from model responses that
// may be wrapped in markdown code fences, embedded in prose, or written as
// a loose literal (single quotes, True/False/None, trailing commas) instead
// of strict JSON.
package jsonutil

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNoObject is returned when text contains no {...} span.
var ErrNoObject = errors.New("no JSON object found")

// StripMarkdownFences removes ```json ... ``` or ``` ... ``` wrapping from text.
// Returns the content between the fences, or the original text if no fences are found.
func StripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}

	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			endIdx = i
			break
		}
	}

	return strings.Join(lines[1:endIdx], "\n")
}

// ExtractObject returns the substring from the first '{' to the last '}'.
func ExtractObject(text string) (string, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", ErrNoObject
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return "", errors.Wrap(ErrNoObject, "no closing }")
	}
	return text[start : end+1], nil
}

// Preview truncates text for inclusion in logs and error messages.
func Preview(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n] + "..."
}
