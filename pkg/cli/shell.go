// Package cli is an interactive line shell over a forest, adapted from
// the teacher's SQL REPL onto a small set of filesystem-shaped commands
// (ls/cat/write/mkdir/rm/rmdir/ln/stat/flush/status) rather than a SQL
// grammar.
package cli

import (
	"bufio"
	"io"
	"strings"
)

// Shell reads one command line at a time, stripping trailing whitespace,
// the same job pkg/cli/shell.go's Shell.ReadLine does for SQL input —
// simplified here to single-line commands, since none of this shell's
// verbs span lines.
type Shell struct {
	reader    *bufio.Reader
	output    io.Writer
	errOutput io.Writer
	prompt    string
}

// NewShell creates a shell reading from input and writing to output. If
// errOutput is nil, errors go to output.
func NewShell(input io.Reader, output, errOutput io.Writer) *Shell {
	var reader *bufio.Reader
	if input != nil {
		reader = bufio.NewReader(input)
	}
	if errOutput == nil {
		errOutput = output
	}
	return &Shell{reader: reader, output: output, errOutput: errOutput, prompt: "forestfs> "}
}

// SetPrompt changes the prompt string.
func (s *Shell) SetPrompt(prompt string) { s.prompt = prompt }

// ReadLine reads one line, reporting whether EOF was reached.
func (s *Shell) ReadLine() (string, bool) {
	if s.reader == nil {
		return "", true
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return strings.TrimRight(line, " \t\r\n"), true
	}
	return strings.TrimRight(line, " \t\r\n"), false
}
