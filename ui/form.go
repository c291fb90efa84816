// Package ui holds the interactive terminal forms the CLI uses to ask
// for connection fields that were not supplied as flags.
package ui

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// A Field in a form.
type Field interface {
	GetKey() string                        // Key for the data map.
	GetLabel() string                      // Label to print as the prompt.
	GetLabelExtra() string                 // Extra info for the label, eg. defaults.
	GetContents(io.Reader) (string, error) // Read the field contents from the supplied reader

	// Clean validates user input and returns the value to store.
	Clean(s string) (string, error)
}

// A Form prompts for its fields one by one and collects the answers.
type Form struct {
	Banner string
	Fields []Field
}

// Run executes the form against the specified input and output. A field
// whose answer fails validation is asked for again.
func (f Form) Run(r io.Reader, w io.Writer) (map[string]string, error) {
	if f.Banner != "" {
		if _, err := fmt.Fprintln(w, color.BlueString(f.Banner)+"\n"); err != nil {
			return nil, err
		}
	}

	data := make(map[string]string, len(f.Fields))
	for _, field := range f.Fields {
		for {
			label := field.GetLabel()
			if extra := field.GetLabelExtra(); extra != "" {
				label += " " + color.New(color.Faint, color.FgCyan).Sprint("["+extra+"]")
			}
			if _, err := fmt.Fprintf(w, "  %s: ", label); err != nil {
				return nil, err
			}

			color.Set(color.FgCyan)
			s, err := field.GetContents(r)
			if _, ok := field.(PasswordField); ok {
				// Masked input swallows the terminating newline.
				fmt.Fprint(w, "\n")
			}
			color.Unset()
			if err != nil {
				return nil, err
			}

			v, err := field.Clean(s)
			if err != nil {
				if _, printErr := fmt.Fprintln(w, color.RedString("- "+err.Error())); printErr != nil {
					return nil, printErr
				}
				continue
			}

			data[field.GetKey()] = v
			break
		}
	}

	return data, nil
}
