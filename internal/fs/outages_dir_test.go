package fs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutagesDir(t *testing.T) {
	dir, err := OutagesDir()
	require.NoError(t, err)
	require.Equal(t, DirName, filepath.Base(dir))
	require.True(t, filepath.IsAbs(dir))
}
