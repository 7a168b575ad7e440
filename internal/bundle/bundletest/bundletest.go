// Package bundletest builds bundle fixtures for tests.
package bundletest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// Make creates parent/name.app with a manifest and an executable script that
// prints version. It returns the bundle path.
func Make(t testing.TB, parent, name, version string) string {
	t.Helper()

	dir := filepath.Join(parent, name+".app")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))

	manifest := fmt.Sprintf("name: %s\nversion: %s\nexecutable: bin/%s\n", name, version, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.yaml"), []byte(manifest), 0o644))

	script := fmt.Sprintf("#!/bin/sh\necho %s %s\n", name, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", name), []byte(script), 0o755))

	return dir
}

// ReadVersion returns the version line baked into a bundle made by Make.
func ReadVersion(t testing.TB, dir, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "bin", name))
	require.NoError(t, err)
	return string(data)
}

// TarGz packs the bundle directory into a gzip compressed tar with the bundle
// at the archive root.
func TarGz(t testing.TB, bundleDir string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	base := filepath.Dir(bundleDir)
	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	return buf.Bytes()
}
