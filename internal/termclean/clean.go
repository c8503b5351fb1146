// Package termclean turns raw pseudo-terminal captures into the plain text a
// person would see on a fixed-width terminal.
package termclean

import (
	"strconv"
	"strings"
)

const (
	esc     = '\x1b'
	tabStop = 8
)

// screen is the in-progress state of one Clean call.
type screen struct {
	lines  []string
	line   []rune
	cursor int
}

// Clean applies carriage returns, backspaces, tabs and the erase-in-line and
// erase-in-display control sequences to raw, drops styling sequences and
// returns the resulting lines joined by "\n".
func Clean(raw string) string {
	s := &screen{}
	in := []rune(raw)

	for i := 0; i < len(in); i++ {
		switch c := in[i]; c {
		case '\r':
			s.cursor = 0
		case '\n':
			s.lines = append(s.lines, string(s.line))
			s.line = s.line[:0]
			s.cursor = 0
		case '\b':
			if s.cursor > 0 {
				s.cursor--
			}
		case '\t':
			// columns count from 1, stops sit on multiples of 8
			next := ((s.cursor+1)/tabStop+1)*tabStop - 1
			s.pad(next)
			s.cursor = next
		case esc:
			if i+1 >= len(in) || in[i+1] != '[' {
				continue
			}
			j := i + 2
			for j < len(in) && isParamByte(in[j]) {
				j++
			}
			if j >= len(in) {
				// unterminated sequence at end of input
				i = len(in)
				continue
			}
			if isFinalByte(in[j]) {
				s.control(string(in[i+2:j]), in[j])
				i = j
				continue
			}
			// malformed sequence: drop the introducer and parameters and
			// resume at the offending character
			i = j - 1
		default:
			s.put(c)
		}
	}

	if len(s.line) > 0 {
		s.lines = append(s.lines, string(s.line))
	}
	return strings.Join(s.lines, "\n")
}

func (s *screen) put(c rune) {
	if s.cursor < len(s.line) {
		s.line[s.cursor] = c
	} else {
		s.pad(s.cursor)
		s.line = append(s.line, c)
	}
	s.cursor++
}

// pad extends the current line with spaces up to n runes.
func (s *screen) pad(n int) {
	for len(s.line) < n {
		s.line = append(s.line, ' ')
	}
}

func (s *screen) control(params string, final rune) {
	switch final {
	case 'K':
		s.eraseLine(firstParam(params))
	case 'J':
		switch mode := firstParam(params); mode {
		case 1:
			s.eraseLine(1)
			for i := range s.lines {
				s.lines[i] = ""
			}
		case 2:
			s.lines = nil
			s.line = s.line[:0]
			s.cursor = 0
		default:
			s.eraseLine(mode)
		}
	}
	// 'm' and every other final byte carry no text effect
}

func (s *screen) eraseLine(mode int) {
	switch mode {
	case 1:
		for i := 0; i <= s.cursor && i < len(s.line); i++ {
			s.line[i] = ' '
		}
	case 2:
		s.line = s.line[:0]
		s.cursor = 0
	default:
		if s.cursor < len(s.line) {
			s.line = s.line[:s.cursor]
		}
	}
}

// firstParam returns the leading numeric parameter of a CSI sequence, 0 when
// absent or unparsable.
func firstParam(params string) int {
	first, _, _ := strings.Cut(params, ";")
	first = strings.TrimLeft(first, "?")
	n, err := strconv.Atoi(first)
	if err != nil {
		return 0
	}
	return n
}

func isParamByte(c rune) bool {
	return c >= 0x20 && c <= 0x3f
}

func isFinalByte(c rune) bool {
	return c >= 0x40 && c <= 0x7e
}
