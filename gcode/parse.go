package gcode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxLineLength is the longest line GRBL's line buffer accepts.
const MaxLineLength = 80

// A SyntaxError reports a line of a G-code file that can't be streamed.
type SyntaxError struct {
	Line   int // 1-based
	Text   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

type word struct {
	letter byte
	value  float64
}

// parseWords splits a normalized line such as "G1X10.5Y-2" into its
// words. Spaces between words are allowed.
func parseWords(s string) ([]word, error) {
	var ws []word
	i := 0
	for {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			return ws, nil
		}
		c := s[i]
		if c < 'A' || c > 'Z' {
			return nil, fmt.Errorf("expected a letter at %q", s[i:])
		}
		i++
		for i < len(s) && s[i] == ' ' {
			i++
		}
		start := i
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		digits := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			if s[i] != '.' {
				digits++
			}
			i++
		}
		if digits == 0 {
			return nil, fmt.Errorf("word %c has no value", c)
		}
		v, err := strconv.ParseFloat(s[start:i], 64)
		if err != nil {
			return nil, fmt.Errorf("word %c: bad value %q", c, s[start:i])
		}
		ws = append(ws, word{c, v})
	}
}

// stripComment removes ";" comments and "(...)" comments.
func stripComment(s string) (string, error) {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	for {
		i := strings.IndexByte(s, '(')
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], ')')
		if j < 0 {
			return "", fmt.Errorf("unterminated comment")
		}
		s = s[:i] + s[i+j+1:]
	}
	if strings.IndexByte(s, ')') >= 0 {
		return "", fmt.Errorf("unbalanced comment")
	}
	return s, nil
}

// NormalizeLine strips comments and surrounding space from one line of
// G-code and upper-cases it. It returns "" for lines with nothing to
// send.
func NormalizeLine(s string) (string, error) {
	s, err := stripComment(s)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "$") {
		return s, nil
	}
	return strings.ToUpper(s), nil
}

// ValidateLine checks that a normalized line is either a GRBL system
// command ("$...") or a sequence of G-code words, and that it fits the
// device's line buffer.
func ValidateLine(s string) error {
	if len(s) > MaxLineLength {
		return fmt.Errorf("longer than %d characters", MaxLineLength)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return fmt.Errorf("non-printable character %#x", s[i])
		}
	}
	switch s {
	case "?", "!", "~":
		return fmt.Errorf("realtime command in program")
	}
	if strings.HasPrefix(s, "$") {
		return nil
	}
	_, err := parseWords(s)
	return err
}

// ParseProgram reads a G-code file into a program of Raw commands,
// dropping comments and blank lines. Only the line syntax is checked;
// the commands themselves are the device's business.
func ParseProgram(r io.Reader) (Program, error) {
	var p Program
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := sc.Text()
		s, err := NormalizeLine(text)
		if err == nil && s != "" {
			err = ValidateLine(s)
		}
		if err != nil {
			return nil, &SyntaxError{Line: n, Text: text, Reason: err.Error()}
		}
		if s == "" {
			continue
		}
		p = append(p, Raw{s})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading gcode: %w", err)
	}
	if len(p) == 0 {
		return nil, ErrEmptyProgram
	}
	return p, nil
}
