// Package cmdfile parses command files: plain text files carrying one
// scheduler command per line. Blank lines and comment lines (starting
// with "#" or "//") are skipped, double and single quotes group words,
// backslashes escape the next character, and a trailing backslash
// continues the command on the next line.
package cmdfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parser reads command files from disk. The zero value is ready to use.
type Parser struct{}

// New returns a file parser.
func New() *Parser { return &Parser{} }

// ParseFile reads path and returns one argv slice per command line.
func (p *Parser) ParseFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cmds, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cmds, nil
}

// Parse reads command lines from r. Empty and comment-only lines
// produce no command.
func Parse(r io.Reader) ([][]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out     [][]string
		pending string
		lineNo  int
		started int
	)
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		if pending == "" {
			started = lineNo
			if isComment(raw) {
				continue
			}
		}
		if rest, cont := continuation(raw); cont {
			pending += rest + " "
			continue
		}
		full := pending + raw
		pending = ""

		args, err := SplitLine(full)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", started, err)
		}
		if len(args) > 0 {
			out = append(out, args)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if pending != "" {
		return nil, fmt.Errorf("line %d: dangling line continuation", started)
	}
	return out, nil
}

func isComment(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "#") || strings.HasPrefix(t, "//")
}

// continuation reports whether line ends in an unescaped backslash and,
// if so, returns it with the marker stripped.
func continuation(line string) (string, bool) {
	t := strings.TrimRight(line, " \t")
	if strings.HasSuffix(t, `\`) && !strings.HasSuffix(t, `\\`) {
		return strings.TrimSuffix(t, `\`), true
	}
	return "", false
}

// SplitLine tokenizes a single command line. Quoted sections keep their
// spaces, an empty quoted pair yields an empty argument, and a backslash
// escapes the character after it.
func SplitLine(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var (
		args   []string
		buf    strings.Builder
		inQ    bool
		qChar  byte
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			args = append(args, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			buf.WriteByte(c)
			esc = false
		case c == '\\':
			esc = true
		case inQ:
			if c == qChar {
				inQ = false
			} else {
				buf.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQ = true
			qChar = c
			quoted = true
		case c == ' ' || c == '\t':
			flush()
		default:
			buf.WriteByte(c)
		}
	}
	if esc {
		return nil, fmt.Errorf("trailing escape")
	}
	if inQ {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return args, nil
}
