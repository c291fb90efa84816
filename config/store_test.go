package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	null "gopkg.in/guregu/null.v3"

	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/log"
)

func testStore(t *testing.T, fs afero.Fs) *Store {
	t.Helper()
	s, err := NewStore(fs, "/home/test/.ssh-command-tool3", log.NewNullLogger(), WithEncryptor(testEncryptor(t)))
	require.NoError(t, err)
	return s
}

func TestStoreStartsEmpty(t *testing.T) {
	t.Parallel()

	s := testStore(t, afero.NewMemMapFs())
	assert.Empty(t, s.Connections())
	assert.Empty(t, s.LastConnection())
	assert.Equal(t, 9222, s.PortForwardDefaults().LocalPort)
	assert.True(t, s.BrowserSettings().Headless)
}

func TestStoreAddGetRemove(t *testing.T) {
	t.Parallel()

	s := testStore(t, afero.NewMemMapFs())

	added, err := s.Add(validPasswordDescriptor())
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)

	got, err := s.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, added, got)
	assert.Equal(t, "hunter2", got.Password)

	require.NoError(t, s.Remove(added.ID))
	_, err = s.Get(added.ID)
	assert.Equal(t, errext.KindNotFound, errext.KindOf(err))
	assert.Equal(t, errext.KindNotFound, errext.KindOf(s.Remove(added.ID)))
}

func TestStoreAddRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := testStore(t, afero.NewMemMapFs())

	d := validPasswordDescriptor()
	d.Host = ""
	_, err := s.Add(d)
	assert.Equal(t, errext.KindValidation, errext.KindOf(err))
	assert.Empty(t, s.Connections())
}

func TestStorePersistsAcrossLoads(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	s := testStore(t, fs)
	added, err := s.Add(validPasswordDescriptor())
	require.NoError(t, err)
	require.NoError(t, s.SetLastConnection(added.ID))

	// A second store over the same filesystem sees the same state.
	s2 := testStore(t, fs)
	got, err := s2.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, added.ID, s2.LastConnection())
}

func TestStoreEncryptsPasswordsOnDisk(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := testStore(t, fs)

	_, err := s.Add(validPasswordDescriptor())
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, "/home/test/.ssh-command-tool3/config.json")
	require.NoError(t, err)

	stored := gjson.GetBytes(raw, "connections.0.password").String()
	assert.NotEqual(t, "hunter2", stored)
	assert.True(t, IsEncrypted(stored))
	assert.Equal(t, int64(1), gjson.GetBytes(raw, "version").Int())
}

func TestStoreWithoutEncryptor(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s, err := NewStore(fs, "/conf", log.NewNullLogger(), WithEncryptor(nil))
	require.NoError(t, err)

	_, err = s.Add(validPasswordDescriptor())
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, "/conf/config.json")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", gjson.GetBytes(raw, "connections.0.password").String())

	exists, err := afero.Exists(fs, "/conf/.salt")
	require.NoError(t, err)
	assert.False(t, exists, "salt file is only written when encryption is on")
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	s := testStore(t, afero.NewMemMapFs())
	added, err := s.Add(validPasswordDescriptor())
	require.NoError(t, err)

	updated, err := s.Update(added.ID, UpdateParams{
		Host:     null.StringFrom("other.internal"),
		Password: null.StringFrom(Sentinel),
	})
	require.NoError(t, err)
	assert.Equal(t, "other.internal", updated.Host)
	assert.Equal(t, "hunter2", updated.Password, "sentinel must not overwrite the stored password")

	_, err = s.Update("nope", UpdateParams{Host: null.StringFrom("x")})
	assert.Equal(t, errext.KindNotFound, errext.KindOf(err))
}

func TestStoreReadsBrowserReadyTimeout(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	raw := `{"version":1,"connections":[],"browserSettings":{"headless":true,"readyTimeout":"30s"},"portForwardDefaults":{"localHost":"127.0.0.1","localPort":9222,"remotePort":9222}}`
	require.NoError(t, afero.WriteFile(fs, "/conf/config.json", []byte(raw), 0o600))

	s, err := NewStore(fs, "/conf", log.NewNullLogger(), WithEncryptor(nil))
	require.NoError(t, err)

	settings := s.BrowserSettings()
	require.True(t, settings.ReadyTimeout.Valid)
	assert.Equal(t, 30*time.Second, settings.ReadyTimeout.TimeDuration())

	// A fresh store leaves it null so the built-in default applies.
	assert.False(t, testStore(t, afero.NewMemMapFs()).BrowserSettings().ReadyTimeout.Valid)
}

func TestStoreRejectsCorruptConfig(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conf/config.json", []byte("{nope"), 0o600))

	_, err := NewStore(fs, "/conf", log.NewNullLogger(), WithEncryptor(nil))
	require.Error(t, err)
	assert.Equal(t, errext.KindConfigInvalid, errext.KindOf(err))
}

func TestStoreSetLastConnectionUnknownID(t *testing.T) {
	t.Parallel()

	s := testStore(t, afero.NewMemMapFs())
	assert.Equal(t, errext.KindNotFound, errext.KindOf(s.SetLastConnection("missing")))
}
