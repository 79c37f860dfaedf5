package mzbuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStringIsBase32NoPadding(t *testing.T) {
	var fp Fingerprint
	for i := range fp {
		fp[i] = byte(i)
	}
	s := fp.String()
	assert.Len(t, s, 32)
	assert.NotContains(t, s, "=")
	assert.Equal(t, s, fp.String(), "encoding must be deterministic")
}

func TestHashFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	h1, err := hashFile(path)
	require.NoError(t, err)
	h2, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, os.WriteFile(path, []byte("hello world!"), 0o644))
	h3, err := hashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestSimplifiedMode(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	info, err := os.Lstat(plain)
	require.NoError(t, err)
	assert.EqualValues(t, 0o100644, simplifiedMode(info))

	exe := filepath.Join(dir, "exe.sh")
	require.NoError(t, os.WriteFile(exe, []byte("x"), 0o755))
	info, err = os.Lstat(exe)
	require.NoError(t, err)
	assert.EqualValues(t, 0o100755, simplifiedMode(info))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(plain, link))
	info, err = os.Lstat(link)
	require.NoError(t, err)
	assert.EqualValues(t, 0o120000, simplifiedMode(info))
}
