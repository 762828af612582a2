package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, 8, cfg.NumSlices)
	require.Equal(t, uint32(4096), cfg.BlockSize)
}

func TestWriteThenLoadTOMLRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rethinkkv.toml")

	cfg := Default()
	cfg.NumSlices = 16
	cfg.DataDir = "/var/lib/rethinkkv"

	require.NoError(t, WriteTOML(path, cfg))

	loaded, err := LoadTOML(path)
	require.NoError(t, err)
	require.Equal(t, 16, loaded.NumSlices)
	require.Equal(t, "/var/lib/rethinkkv", loaded.DataDir)
	require.Equal(t, cfg.BlockSize, loaded.BlockSize)
}

func TestLoadTOMLRejectsUnrecognizedField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("num_slices = 4\nbogus_field = 1\n"), 0644))

	_, err := LoadTOML(path)
	require.Error(t, err)
}
