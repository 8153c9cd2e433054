package tempfiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateMakesFileUnderDir(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, "tempfiles-test-*")
	require.NoError(t, err)
	defer f.Close()

	path := f.Name()
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	require.NotContains(t, rel, "..")

	_, err = f.WriteString("hello")
	require.NoError(t, err)
}

func TestCreateMakesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "scratch")
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	f, err := Create(dir, "tempfiles-test-*")
	require.NoError(t, err)
	defer f.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
