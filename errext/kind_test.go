package errext

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithKindIfNone(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: connection refused")

	err := WithKindIfNone(base, KindConnection)
	assert.Equal(t, KindConnection, KindOf(err))

	// An existing kind is preserved.
	err = WithKindIfNone(err, KindTimeout)
	assert.Equal(t, KindConnection, KindOf(err))

	assert.Nil(t, WithKindIfNone(nil, KindTimeout))
}

func TestWithKindReplaces(t *testing.T) {
	t.Parallel()

	err := New(KindConnection, "boom")
	err = WithKind(err, KindPortForward)
	assert.Equal(t, KindPortForward, KindOf(err))
}

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := New(KindCDPTimeout, "no response within %s", "5s")
	wrapped := fmt.Errorf("starting session: %w", err)

	assert.Equal(t, KindCDPTimeout, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindCDPTimeout))
	assert.EqualError(t, wrapped, "starting session: no response within 5s")
}

func TestKindHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindSessionNotActive.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindSessionAlreadyActive.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindAuth.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Kind("").HTTPStatus())
}

func TestExecError(t *testing.T) {
	t.Parallel()

	err := &ExecError{Cmd: "uname", ExitCode: 127, Stderr: "uname: not found"}
	assert.Equal(t, KindExec, KindOf(err))
	assert.Contains(t, err.Error(), "exited with code 127")
	assert.Contains(t, err.Error(), "uname: not found")
}

func TestValidationError(t *testing.T) {
	t.Parallel()

	err := NewValidation("port", "must be between 1 and 65535, got %d", 0)
	assert.Equal(t, KindValidation, KindOf(err))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "port", verr.Field)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	msg, fields := Format(nil)
	assert.Empty(t, msg)
	assert.Nil(t, fields)

	err := WithHint(New(KindAuth, "permission denied"), "check the username and password")
	msg, fields = Format(err)
	assert.Equal(t, "permission denied", msg)
	assert.Equal(t, "auth", fields["kind"])
	assert.Equal(t, "check the username and password", fields["hint"])
}
