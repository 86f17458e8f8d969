package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuoted
	tokenNumber
	tokenString
	tokenPunct
)

// token offsets index into the original candidate text. Words are lowercased;
// quoted identifiers keep their exact content.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

type span struct {
	start int
	end   int
}

var twoCharOperators = []string{"::", "<=", ">=", "<>", "!=", "||"}

const singleCharPunct = "(),.*+-/%=<>;"

func tokenize(sql string) ([]token, []span, *rejection) {
	tokens := make([]token, 0, len(sql)/4)
	comments := make([]span, 0)

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql)
			} else {
				end += i
			}
			comments = append(comments, span{start: i, end: end})
			i = end

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			closeAt := strings.Index(sql[i+2:], "*/")
			if closeAt < 0 {
				return nil, nil, reject(ReasonMalformed, "unterminated block comment")
			}
			body := sql[i+2 : i+2+closeAt]
			if strings.Contains(body, "/*") {
				return nil, nil, reject(ReasonUnsupportedSyntax, "nested block comment")
			}
			end := i + 2 + closeAt + 2
			comments = append(comments, span{start: i, end: end})
			i = end

		case c == '\'':
			if n := len(tokens); n > 0 && tokens[n-1].kind == tokenWord && tokens[n-1].end == i {
				return nil, nil, reject(ReasonUnsupportedSyntax, "prefixed string literal")
			}
			end, text, rej := scanQuoted(sql, i, '\'')
			if rej != nil {
				return nil, nil, rej
			}
			tokens = append(tokens, token{kind: tokenString, text: text, start: i, end: end})
			i = end

		case c == '"':
			end, text, rej := scanQuoted(sql, i, '"')
			if rej != nil {
				return nil, nil, rej
			}
			if text == "" {
				return nil, nil, reject(ReasonMalformed, "empty quoted identifier")
			}
			tokens = append(tokens, token{kind: tokenQuoted, text: text, start: i, end: end})
			i = end

		case isWordStart(c):
			end := i + 1
			for end < len(sql) && isWordPart(sql[end]) {
				end++
			}
			tokens = append(tokens, token{kind: tokenWord, text: strings.ToLower(sql[i:end]), start: i, end: end})
			i = end

		case c >= '0' && c <= '9':
			end := scanNumber(sql, i)
			tokens = append(tokens, token{kind: tokenNumber, text: sql[i:end], start: i, end: end})
			i = end

		default:
			if op, ok := matchOperator(sql[i:]); ok {
				tokens = append(tokens, token{kind: tokenPunct, text: op, start: i, end: i + len(op)})
				i += len(op)
				continue
			}
			if strings.IndexByte(singleCharPunct, c) >= 0 {
				tokens = append(tokens, token{kind: tokenPunct, text: string(c), start: i, end: i + 1})
				i++
				continue
			}
			return nil, nil, reject(ReasonUnsupportedSyntax, fmt.Sprintf("unsupported character %q", c))
		}
	}
	return tokens, comments, nil
}

// scanQuoted reads a string literal or quoted identifier starting at the
// opening quote. Doubled quotes are the only escape accepted.
func scanQuoted(sql string, start int, quote byte) (int, string, *rejection) {
	var b strings.Builder
	for i := start + 1; i < len(sql); i++ {
		c := sql[i]
		if c == '\\' {
			return 0, "", reject(ReasonUnsupportedSyntax, "backslash in quoted text")
		}
		if c != quote {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(sql) && sql[i+1] == quote {
			b.WriteByte(quote)
			i++
			continue
		}
		return i + 1, b.String(), nil
	}
	if quote == '"' {
		return 0, "", reject(ReasonMalformed, "unterminated quoted identifier")
	}
	return 0, "", reject(ReasonMalformed, "unterminated string literal")
}

func scanNumber(sql string, start int) int {
	i := start
	for i < len(sql) && isDigit(sql[i]) {
		i++
	}
	if i+1 < len(sql) && sql[i] == '.' && isDigit(sql[i+1]) {
		i++
		for i < len(sql) && isDigit(sql[i]) {
			i++
		}
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(sql[j]) {
			for j < len(sql) && isDigit(sql[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func matchOperator(rest string) (string, bool) {
	for _, op := range twoCharOperators {
		if strings.HasPrefix(rest, op) {
			return op, true
		}
	}
	return "", false
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// words splits raw text into lowercased alphanumeric runs, ignoring quoting
// and comments entirely.
func words(sql string) []string {
	return strings.FieldsFunc(strings.ToLower(sql), func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}
