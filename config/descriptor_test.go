package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	null "gopkg.in/guregu/null.v3"

	"github.com/perimetric/periscope/errext"
)

func validPasswordDescriptor() Descriptor {
	return Descriptor{
		Name:     "dev",
		Host:     "dev.internal",
		Port:     22,
		Username: "deploy",
		AuthKind: AuthPassword,
		Password: "hunter2",
	}
}

func TestDescriptorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Descriptor)
		field  string
	}{
		{"missing name", func(d *Descriptor) { d.Name = "" }, "name"},
		{"missing host", func(d *Descriptor) { d.Host = "" }, "host"},
		{"port zero", func(d *Descriptor) { d.Port = 0 }, "port"},
		{"port too high", func(d *Descriptor) { d.Port = 70000 }, "port"},
		{"missing username", func(d *Descriptor) { d.Username = "" }, "username"},
		{"password auth without password", func(d *Descriptor) { d.Password = "" }, "password"},
		{"password auth with key path", func(d *Descriptor) { d.KeyPath = "~/.ssh/id_rsa" }, "keyPath"},
		{"unknown auth kind", func(d *Descriptor) { d.AuthKind = "agent" }, "authKind"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := validPasswordDescriptor()
			tt.mutate(&d)
			err := d.Validate()
			require.Error(t, err)

			var verr *errext.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("valid password descriptor", func(t *testing.T) {
		t.Parallel()
		d := validPasswordDescriptor()
		assert.NoError(t, d.Validate())
	})

	t.Run("valid key descriptor", func(t *testing.T) {
		t.Parallel()
		d := validPasswordDescriptor()
		d.AuthKind = AuthPrivateKey
		d.Password = ""
		d.KeyPath = "~/.ssh/id_rsa"
		assert.NoError(t, d.Validate())
	})

	t.Run("key auth with password", func(t *testing.T) {
		t.Parallel()
		d := validPasswordDescriptor()
		d.AuthKind = AuthPrivateKey
		d.KeyPath = "~/.ssh/id_rsa"
		err := d.Validate()
		require.Error(t, err)

		var verr *errext.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "password", verr.Field)
	})
}

func TestDescriptorRedacted(t *testing.T) {
	t.Parallel()

	d := validPasswordDescriptor()
	d.Passphrase = "open sesame"

	r := d.Redacted()
	assert.Equal(t, Sentinel, r.Password)
	assert.Equal(t, Sentinel, r.Passphrase)
	assert.Equal(t, d.Host, r.Host)

	// The original is untouched.
	assert.Equal(t, "hunter2", d.Password)

	empty := Descriptor{Name: "n", Host: "h", Port: 22, Username: "u", AuthKind: AuthPrivateKey, KeyPath: "k"}
	r = empty.Redacted()
	assert.Empty(t, r.Password)
}

func TestUpdateParamsApply(t *testing.T) {
	t.Parallel()

	t.Run("partial update keeps other fields", func(t *testing.T) {
		t.Parallel()

		d := validPasswordDescriptor()
		updated, err := UpdateParams{Host: null.StringFrom("new.internal")}.Apply(d)
		require.NoError(t, err)
		assert.Equal(t, "new.internal", updated.Host)
		assert.Equal(t, d.Username, updated.Username)
		assert.Equal(t, d.Password, updated.Password)
	})

	t.Run("sentinel password is ignored", func(t *testing.T) {
		t.Parallel()

		d := validPasswordDescriptor()
		updated, err := UpdateParams{
			Name:     null.StringFrom("renamed"),
			Password: null.StringFrom(Sentinel),
		}.Apply(d)
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		assert.Equal(t, "hunter2", updated.Password)
	})

	t.Run("switching auth kind drops the old secret", func(t *testing.T) {
		t.Parallel()

		d := validPasswordDescriptor()
		updated, err := UpdateParams{
			AuthKind: null.StringFrom(string(AuthPrivateKey)),
			KeyPath:  null.StringFrom("~/.ssh/id_ed25519"),
		}.Apply(d)
		require.NoError(t, err)
		assert.Equal(t, AuthPrivateKey, updated.AuthKind)
		assert.Empty(t, updated.Password)
		assert.Equal(t, "~/.ssh/id_ed25519", updated.KeyPath)
	})

	t.Run("invalid result is rejected", func(t *testing.T) {
		t.Parallel()

		d := validPasswordDescriptor()
		_, err := UpdateParams{Port: null.IntFrom(0)}.Apply(d)
		require.Error(t, err)
		assert.Equal(t, errext.KindValidation, errext.KindOf(err))
	})
}
