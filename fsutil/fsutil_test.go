package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceFileCreatesAndReplaces(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "meta.json")

	// Case: create when no file exists.
	require.NoError(t, ReplaceFile(path, []byte("one")))
	content, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), content)

	// Case: replace an existing file.
	require.NoError(t, ReplaceFile(path, []byte("two")))
	content, err = ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), content)

	// No .tmp or .old residue remains.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".old")
	require.True(t, os.IsNotExist(err))
}

func TestReadFileFallsBackToOld(t *testing.T) {
	// Simulate a crash between rename-to-old and rename-of-tmp:
	// only .old and .tmp exist.
	var dir = t.TempDir()
	var path = filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path+".old", []byte("pre"), 0644))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("post"), 0644))

	var content, err = ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("pre"), content)
}

func TestReadFileMissing(t *testing.T) {
	var _, err = ReadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestRemoveFileCleansResidue(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("b"), 0644))
	require.NoError(t, os.WriteFile(path+".old", []byte("c"), 0644))

	require.NoError(t, RemoveFile(path))

	var entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Case: removing an already-absent file is not an error.
	require.NoError(t, RemoveFile(path))
}
