package sandbox

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrEmptyStatement is returned when nothing but whitespace, comments or semicolons was submitted.
	ErrEmptyStatement = errors.New("query is required")
	// ErrMultipleStatements is returned when more than one statement was submitted in one call.
	ErrMultipleStatements = errors.New("the supplied SQL string contains more than one statement")
)

// readDirectives are the leading keywords whose results are returned as rows.
var readDirectives = map[string]struct{}{
	"select": {},
	"pragma": {},
}

// Classify looks at the first keyword after any leading whitespace, comments
// and semicolons. SELECT and PRAGMA are reads; everything else is a write.
func Classify(statement string) Kind {
	if _, ok := readDirectives[leadingKeyword(statement)]; ok {
		return KindRead
	}
	return KindWrite
}

func leadingKeyword(statement string) string {
	rest := skipLeadingTrivia(statement)
	end := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(rest)
	}
	return strings.ToLower(rest[:end])
}

// skipLeadingTrivia drops whitespace, empty statements (";"), "--" line
// comments and "/* */" block comments. An unterminated block comment
// swallows the rest of the text.
func skipLeadingTrivia(s string) string {
	for {
		s = strings.TrimLeftFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == ';' })
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s[2:], "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+4:]
		default:
			return s
		}
	}
}

// splitStatement returns the first statement of text, without leading
// trivia and without its terminating semicolon, and whatever follows that
// semicolon. Semicolons inside quotes, comments and trigger bodies do not
// end a statement.
func splitStatement(text string) (body, rest string) {
	text = skipLeadingTrivia(text)
	if text == "" {
		return "", ""
	}

	trigger := isCreateTrigger(text)
	depth := 0

	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(text, i+1, c)
		case c == '[':
			i = skipQuoted(text, i+1, ']')
		case c == '-' && strings.HasPrefix(text[i:], "--"):
			idx := strings.IndexByte(text[i:], '\n')
			if idx < 0 {
				i = len(text)
			} else {
				i += idx + 1
			}
		case c == '/' && strings.HasPrefix(text[i:], "/*"):
			idx := strings.Index(text[i+2:], "*/")
			if idx < 0 {
				i = len(text)
			} else {
				i += idx + 4
			}
		case c == ';' && depth == 0:
			return strings.TrimRightFunc(text[:i], unicode.IsSpace), text[i+1:]
		case isWordByte(c):
			j := i
			for j < len(text) && isWordByte(text[j]) {
				j++
			}
			if trigger {
				switch strings.ToLower(text[i:j]) {
				case "begin", "case":
					depth++
				case "end":
					if depth > 0 {
						depth--
					}
				}
			}
			i = j
		default:
			i++
		}
	}
	return strings.TrimRightFunc(text, unicode.IsSpace), ""
}

// skipQuoted returns the index just past the closing quote. A doubled quote
// inside the literal is an escaped quote and is consumed by the next pass.
func skipQuoted(text string, from int, closing byte) int {
	idx := strings.IndexByte(text[from:], closing)
	if idx < 0 {
		return len(text)
	}
	return from + idx + 1
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// isCreateTrigger reports whether text starts with CREATE [TEMP|TEMPORARY] TRIGGER.
func isCreateTrigger(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 2 || words[0] != "create" {
		return false
	}
	if words[1] == "temp" || words[1] == "temporary" {
		return len(words) > 2 && words[2] == "trigger"
	}
	return words[1] == "trigger"
}
