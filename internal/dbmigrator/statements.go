package dbmigrator

import (
	"regexp"
	"strings"
)

// SplitStatements breaks a PostgreSQL script into individual statements on
// top-level semicolons. Quoted strings, quoted identifiers, dollar-quoted
// bodies and comments are kept intact. Empty statements are dropped.
func SplitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" && !onlyComments(s) {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); {
		c := script[i]
		switch {
		case c == '\'' || c == '"':
			end := closeQuote(script, i, c, c == '\'' && escapeString(script, i))
			cur.WriteString(script[i:end])
			i = end
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			cur.WriteString(script[i : i+end])
			i += end
		case c == '/' && strings.HasPrefix(script[i:], "/*"):
			end := closeBlockComment(script, i)
			cur.WriteString(script[i:end])
			i = end
		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				end := strings.Index(script[i+len(tag):], tag)
				if end < 0 {
					end = len(script)
				} else {
					end = i + len(tag) + end + len(tag)
				}
				cur.WriteString(script[i:end])
				i = end
				continue
			}
			cur.WriteByte(c)
			i++
		case c == ';':
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

// closeQuote returns the index just past the quote opened at start. A doubled
// quote character is an escaped quote, and so is a backslash sequence when
// backslashes is set.
func closeQuote(s string, start int, q byte, backslashes bool) int {
	for i := start + 1; i < len(s); i++ {
		if backslashes && s[i] == '\\' {
			i++
			continue
		}
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

// escapeString reports whether the quote at i opens an E'...' string.
func escapeString(s string, i int) bool {
	if i == 0 || s[i-1] != 'E' && s[i-1] != 'e' {
		return false
	}
	return i == 1 || !isIdentChar(s[i-2])
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// closeBlockComment handles nested /* */ comments as PostgreSQL does.
func closeBlockComment(s string, start int) int {
	depth := 0
	for i := start; i < len(s)-1; i++ {
		switch {
		case s[i] == '/' && s[i+1] == '*':
			depth++
			i++
		case s[i] == '*' && s[i+1] == '/':
			depth--
			i++
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

// dollarTag reports the $tag$ opening s, if any.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

var nonTransactionalStatement = regexp.MustCompile(`(?is)^(` +
	`CREATE\s+(UNIQUE\s+)?INDEX\s+CONCURRENTLY|` +
	`DROP\s+INDEX\s+CONCURRENTLY|` +
	`REINDEX\s.*\bCONCURRENTLY\b|` +
	`REINDEX\s+(DATABASE|SYSTEM)|` +
	`(CREATE|DROP)\s+(DATABASE|TABLESPACE)|` +
	`(CREATE|ALTER|DROP)\s+SUBSCRIPTION|` +
	`ALTER\s+SYSTEM|` +
	`VACUUM|` +
	`DISCARD\s+ALL` +
	`)\b`)

// NonTransactional reports whether PostgreSQL refuses to run stmt inside a
// transaction block.
func NonTransactional(stmt string) bool {
	return nonTransactionalStatement.MatchString(stripLeadingComments(stmt))
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			end := strings.IndexByte(s, '\n')
			if end < 0 {
				return ""
			}
			s = s[end+1:]
		case strings.HasPrefix(s, "/*"):
			s = s[closeBlockComment(s, 0):]
		default:
			return s
		}
	}
}
