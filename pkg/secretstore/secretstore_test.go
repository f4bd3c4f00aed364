package secretstore

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	b, err := ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	raw := make([]byte, 32)
	raw[0] = 7
	b, err = ParseKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, b)

	b, err = ParseKey("  ")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}

func TestSaveLoadEncrypted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	key, err := ParseKey(strings.Repeat("11", 32))
	require.NoError(t, err)

	s, err := Open(OpenOptions{Path: dir, EncryptionKey: key})
	require.NoError(t, err)
	n, err := s.Save(Secrets{PrivateKey: "deadbeef", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// 空字段不覆盖
	_, err = s.Save(Secrets{APIPassphrase: "p"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := Open(OpenOptions{Path: dir, EncryptionKey: key, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	sec, err := ro.Load()
	require.NoError(t, err)
	assert.Equal(t, Secrets{PrivateKey: "deadbeef", APIKey: "k", APISecret: "s", APIPassphrase: "p"}, sec)

	_, ok, err := ro.Get(KeyMnemonic)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetEmptyDeletes(t *testing.T) {
	s, err := Open(OpenOptions{Path: filepath.Join(t.TempDir(), "s")})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(KeyMnemonic, "words"))
	v, ok, err := s.Get(KeyMnemonic)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "words", v)

	require.NoError(t, s.Set(KeyMnemonic, ""))
	_, ok, err = s.Get(KeyMnemonic)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.Set(" ", "x"))
}

func TestClosedStore(t *testing.T) {
	var s *Store
	_, _, err := s.Get(KeyAPIKey)
	assert.ErrorIs(t, err, ErrNotOpened)
	assert.NoError(t, s.Close())
}
