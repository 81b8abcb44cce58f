package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rapidproxyscan/proxypool/model"
)

func TestWriteAtomic_Publishes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	fs := NewFileStorage(dir)

	require.NoError(t, fs.WriteAtomic("a.txt", func(w io.Writer) error {
		_, err := io.WriteString(w, "hello\n")
		return err
	}))

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assertNoTempFiles(t, dir)
}

func TestWriteAtomic_FailureKeepsOldContent(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStorage(dir)
	require.NoError(t, fs.WriteAtomic("a.txt", func(w io.Writer) error {
		_, err := io.WriteString(w, "old")
		return err
	}))

	err := fs.WriteAtomic("a.txt", func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("disk on fire")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExportIO))

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assertNoTempFiles(t, dir)
}

func TestWriteAtomic_UnwritableDir(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	fs := NewFileStorage(filepath.Join(blocker, "sub"))
	err := fs.WriteAtomic("a.txt", func(w io.Writer) error { return nil })
	assert.True(t, errors.Is(err, model.ErrExportIO))
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
