package llm

import (
	"regexp"
	"strings"
)

// Pre-compiled regex patterns for JSON extraction from model responses.
var (
	// jsonBlockPattern matches JSON inside markdown code fences.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches the outermost JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from a model response string.
// It tolerates markdown fences, line comments and trailing commas, which
// models emit even when asked for bare JSON. Returns "" if no object is found.
func ExtractJSON(content string) string {
	var raw string
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// cleanJSON removes line comments and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a JSON line, leaving string values intact:
//
//	"summary": "see https://example.com",  // note  →  "summary": "see https://example.com",
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
