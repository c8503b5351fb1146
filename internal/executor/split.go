package executor

import "strings"

// StripQuotes removes one pair of matching quotes around s.
func StripQuotes(s string) string {
	if len(s) >= 2 && s[0] == s[len(s)-1] && (s[0] == '\'' || s[0] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// SplitAnd splits a command line on && operators that are outside quotes.
// Empty parts are dropped.
func SplitAnd(line string) []string {
	var (
		parts []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if p := strings.TrimSpace(cur.String()); p != "" {
			parts = append(parts, p)
		}
		cur.Reset()
	}

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == '\\' && quote == '"' && i+1 < len(line) {
				cur.WriteByte(ch)
				i++
				cur.WriteByte(line[i])
				continue
			}
			if ch == quote {
				quote = 0
			}
		case ch == '\\' && i+1 < len(line):
			cur.WriteByte(ch)
			i++
			cur.WriteByte(line[i])
			continue
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '&' && i+1 < len(line) && line[i+1] == '&':
			flush()
			i++
			continue
		}
		cur.WriteByte(ch)
	}
	flush()
	return parts
}

// fields splits a command part into words, honouring quotes and
// backslash escapes the way sh does for simple words.
func fields(part string) []string {
	var (
		words  []string
		cur    strings.Builder
		quote  byte
		inWord bool
	)
	for i := 0; i < len(part); i++ {
		ch := part[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			if ch == '\\' && quote == '"' && i+1 < len(part) {
				i++
				ch = part[i]
			}
			cur.WriteByte(ch)
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == '\\' && i+1 < len(part):
			i++
			cur.WriteByte(part[i])
			inWord = true
		case ch == ' ' || ch == '\t' || ch == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(ch)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
