package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, opts ...RotateOpt) (*RotatingFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stitch.log")
	rf, err := NewRotatingFile(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rf.Close() })
	return rf, path
}

func TestRotatingFileWritesThrough(t *testing.T) {
	rf, path := newTestFile(t)

	_, err := rf.Write([]byte("line one\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(content))
}

func TestRotatingFileRotatesAtLimit(t *testing.T) {
	rf, path := newTestFile(t, WithMaxSize(50), WithMaxBackups(2))

	first := bytes.Repeat([]byte("a"), 30)
	second := bytes.Repeat([]byte("b"), 30)
	_, err := rf.Write(first)
	require.NoError(t, err)
	_, err = rf.Write(second)
	require.NoError(t, err)

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, first, backup)

	live, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, second, live)
}

func TestRotatingFileDropsOldestBackup(t *testing.T) {
	rf, path := newTestFile(t, WithMaxSize(20), WithMaxBackups(2))

	for i := 0; i < 4; i++ {
		_, err := rf.Write(bytes.Repeat([]byte{byte('a' + i)}, 15))
		require.NoError(t, err)
	}

	for _, p := range []string{path, path + ".1", path + ".2"} {
		_, err := os.Stat(p)
		require.NoError(t, err, p)
	}
	_, err := os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only two backups should survive")
}

func TestRotatingFileAppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stitch.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	rf, err := NewRotatingFile(path)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("new\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(content))
}

func TestRotatingFileCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "stitch.log")

	rf, err := NewRotatingFile(path)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("x"))
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
}
