package errext

import "fmt"

// ExecError is returned when a remote command exits nonzero. It preserves
// the exit code and whatever the command wrote to stderr.
type ExecError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// Kind implements HasKind.
func (e *ExecError) Kind() Kind { return KindExec }

var _ HasKind = &ExecError{}
