package nl2sql

import (
	"regexp"
	"strings"
)

var (
	fencePattern     = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z]*)[ \\t]*\\r?\\n?(.*?)```")
	statementPattern = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
	blankLinePattern = regexp.MustCompile(`\r?\n[ \t]*\r?\n`)
)

// ExtractSQL picks the first SQL candidate out of a model response and
// returns it with the surrounding prose. A fenced block wins over a bare
// statement; a bare statement runs from its first line up to the next blank
// line. Without either, sql is empty and the whole response is narrative.
func ExtractSQL(raw string) (sql, narrative string) {
	for _, m := range fencePattern.FindAllStringSubmatchIndex(raw, -1) {
		body := strings.TrimSpace(raw[m[4]:m[5]])
		switch strings.ToLower(raw[m[2]:m[3]]) {
		case "sql", "postgresql", "postgres", "duckdb":
		default:
			// untagged fence, or a one-line fence such as ```SELECT 1```
			inner := raw[m[2]:m[5]]
			if !statementPattern.MatchString(inner) {
				continue
			}
			body = strings.TrimSpace(inner)
		}
		if body != "" {
			return body, joinProse(raw[:m[0]], raw[m[1]:])
		}
	}

	lines := strings.SplitAfter(raw, "\n")
	offset := 0
	for _, line := range lines {
		if statementPattern.MatchString(line) {
			rest := raw[offset:]
			end := len(rest)
			if loc := blankLinePattern.FindStringIndex(rest); loc != nil {
				end = loc[0]
			}
			return strings.TrimSpace(rest[:end]), joinProse(raw[:offset], rest[end:])
		}
		offset += len(line)
	}
	return "", strings.TrimSpace(raw)
}

func joinProse(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
