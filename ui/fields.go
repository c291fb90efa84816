package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var (
	_ Field = StringField{}
	_ Field = PasswordField{}
)

// StringField reads a plain string answer.
type StringField struct {
	Key     string
	Label   string
	Default string

	// Length constraints, zero means unconstrained.
	Min, Max int
}

// GetKey returns the field's key.
func (f StringField) GetKey() string { return f.Key }

// GetLabel returns the field's label.
func (f StringField) GetLabel() string { return f.Label }

// GetLabelExtra returns the field's default value.
func (f StringField) GetLabelExtra() string { return f.Default }

// GetContents reads one line from r.
func (f StringField) GetContents(r io.Reader) (string, error) {
	return readLine(r)
}

// Clean trims the answer, falls back to the default when it is empty, and
// enforces the length constraints.
func (f StringField) Clean(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = f.Default
	}
	if f.Min != 0 && len(s) < f.Min {
		return "", fmt.Errorf("invalid input, min length is %d", f.Min)
	}
	if f.Max != 0 && len(s) > f.Max {
		return "", fmt.Errorf("invalid input, max length is %d", f.Max)
	}
	return s, nil
}

// PasswordField reads a secret without echoing it back when it can.
type PasswordField struct {
	Key   string
	Label string
	Min   int
}

// GetKey returns the field's key.
func (f PasswordField) GetKey() string { return f.Key }

// GetLabel returns the field's label.
func (f PasswordField) GetLabel() string { return f.Label }

// GetLabelExtra returns nothing so a current secret is never shown.
func (f PasswordField) GetLabelExtra() string { return "" }

// GetContents masks the input when r is a terminal. Pipes and terminals
// without pty emulation fall back to a plain line read, echo included.
func (f PasswordField) GetContents(r io.Reader) (string, error) {
	if file, ok := r.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		if pw, err := term.ReadPassword(int(file.Fd())); err == nil {
			return string(pw), nil
		}
	}
	return readLine(r)
}

// Clean enforces the minimum length. The answer is kept as typed, spaces
// included.
func (f PasswordField) Clean(s string) (string, error) {
	if f.Min != 0 && len(s) < f.Min {
		return "", fmt.Errorf("invalid input, min length is %d", f.Min)
	}
	return s, nil
}

// readLine consumes input one byte at a time up to a newline. A buffered
// reader would swallow bytes that belong to the fields after this one.
// Input ending at EOF counts as a complete line.
func readLine(r io.Reader) (string, error) {
	line := make([]byte, 0, 32)
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return string(line), nil
			}
			return string(line), err
		}
		if buf[0] == '\n' {
			return string(line), nil
		}
		line = append(line, buf[0])
	}
}
