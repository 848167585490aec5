// Package jsonutil extracts JSON values from engine output. Engine turns end
// with a structured result object, but the surrounding text may carry
// markdown fences, ANSI escapes, or prose; the extractors here tolerate all
// of that and hand back clean json.RawMessage values.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxInputBytes caps the processed input to prevent memory exhaustion on
// runaway engine output.
const maxInputBytes = 10 * 1024 * 1024 // 10 MB

// reANSI matches ANSI escape codes (CSI sequences) that engine CLIs may
// embed in their output.
var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)

// reCodeFence matches a markdown code fence optionally tagged "json". The
// fenced content is captured in subgroup 1; (?s) lets .*? cross newlines and
// the non-greedy quantifier stops at the first closing fence.
var reCodeFence = regexp.MustCompile("(?s)```(?:json)?[ \\t]*\n(.*?)\n```")

// sanitize strips a leading UTF-8 BOM and ANSI escapes, enforcing the size
// cap.
func sanitize(text string) (string, error) {
	if len(text) > maxInputBytes {
		return "", fmt.Errorf("jsonutil: input exceeds maximum size of %d bytes", maxInputBytes)
	}
	text = strings.TrimPrefix(text, "\xef\xbb\xbf")
	text = reANSI.ReplaceAllString(text, "")
	return text, nil
}

// Extract returns the first valid JSON object or array found in text.
// Strategies in order of reliability: markdown code fences, then top-level
// brace/bracket matching.
func Extract(text string) (json.RawMessage, error) {
	all, err := extractAll(text)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("jsonutil: no valid JSON found in text")
	}
	return all[0], nil
}

// ExtractLast returns the last valid JSON object or array found in text.
// Workers use this to read the engine's final structured message when the
// turn transcript contains earlier incidental JSON.
func ExtractLast(text string) (json.RawMessage, error) {
	all, err := extractAll(text)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("jsonutil: no valid JSON found in text")
	}
	return all[len(all)-1], nil
}

// ExtractInto extracts the first JSON value from text and unmarshals it into
// target.
func ExtractInto(text string, target any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("jsonutil: unmarshal failed: %w", err)
	}
	return nil
}

// fenceSpan records the byte range [start, end) of a fence match so the
// brace strategy can skip candidates already covered by a fence.
type fenceSpan struct{ start, end int }

// extractAll applies both strategies and returns unique valid JSON values in
// order of appearance.
func extractAll(text string) ([]json.RawMessage, error) {
	text, err := sanitize(text)
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	var fences []fenceSpan

	for _, loc := range reCodeFence.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		inner := strings.TrimSpace(text[loc[2]:loc[3]])
		if inner == "" || !json.Valid([]byte(inner)) {
			continue
		}
		fences = append(fences, fenceSpan{loc[0], loc[1]})
		results = append(results, json.RawMessage(inner))
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '{' && ch != '[' {
			continue
		}
		if inAnyFence(i, fences) {
			continue
		}
		end := matchingDelimiter(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if !json.Valid([]byte(candidate)) {
			continue
		}
		results = append(results, json.RawMessage(candidate))
		i = end // do not descend into nested values of an accepted candidate
	}

	return results, nil
}

// inAnyFence reports whether pos falls within a recorded fence span.
func inAnyFence(pos int, fences []fenceSpan) bool {
	for _, f := range fences {
		if pos >= f.start && pos < f.end {
			return true
		}
	}
	return false
}

// matchingDelimiter returns the index of the closer matching the opener at
// start ('{' → '}', '[' → ']'), honoring nesting, double-quoted strings, and
// escape sequences. Returns -1 when unbalanced.
func matchingDelimiter(text string, start int) int {
	openCh := text[start]
	var closeCh byte
	switch openCh {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return -1
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
