package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.txt")

	require.NoError(t, WriteFile(path, "hello\n"))
	content, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", content)
	assert.True(t, Exists(path))
	assert.False(t, Exists(path+".missing"))
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("blacklist nouveau\n"), 0644))

	d1, err := FileDigest(path)
	require.NoError(t, err)
	assert.Len(t, d1, 64)

	d2, err := FileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	require.NoError(t, os.WriteFile(path, []byte("changed\n"), 0644))
	d3, err := FileDigest(path)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0644))

	lines, err := TailFile(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)

	lines, err = TailFile(path, 10)
	require.NoError(t, err)
	assert.Len(t, lines, 4)

	lines, err = TailFile(filepath.Join(t.TempDir(), "absent"), 5)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
