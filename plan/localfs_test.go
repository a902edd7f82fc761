package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandAndCheckPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	_, err := ExpandAndCheckPath(dir, false)
	assert.Error(t, err)

	got, err := ExpandAndCheckPath(dir, true)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, DefaultDirMode, fi.Mode().Perm()&DefaultDirMode)
}

func TestExpandFilePath(t *testing.T) {
	pathname := filepath.Join(t.TempDir(), "sub", "keys.db")

	got, err := ExpandFilePath(pathname)
	require.NoError(t, err)
	assert.Equal(t, pathname, got)
	assert.DirExists(t, filepath.Dir(pathname))
	assert.False(t, FileExists(pathname))

	_, err = ExpandFilePath("")
	assert.Error(t, err)
}

func TestPrivateFile(t *testing.T) {
	pathname := filepath.Join(t.TempDir(), "secret")

	require.NoError(t, CreatePrivateFile(pathname))
	assert.True(t, FileExists(pathname))
	assert.NoError(t, CheckPrivateFile(pathname))
	assert.Error(t, CreatePrivateFile(pathname), "exclusive create")

	require.NoError(t, os.Chmod(pathname, 0644))
	assert.Error(t, CheckPrivateFile(pathname))

	link := pathname + ".link"
	require.NoError(t, os.Symlink(pathname, link))
	assert.True(t, FileExists(link))
	assert.Error(t, CheckPrivateFile(link), "symlink is not a regular file")

	assert.Error(t, CheckPrivateFile(filepath.Join(t.TempDir(), "missing")))
}
