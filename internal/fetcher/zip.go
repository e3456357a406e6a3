package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ExtractZIPFile extracts the member named fileName from zipPath into
// destDir and returns the written path. A member matches on its full name or,
// failing that, on its base name. The output appears atomically.
func ExtractZIPFile(zipPath, fileName, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip archive")
	}
	defer r.Close() //nolint:errcheck

	var member *zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name == fileName {
			member = f
			break
		}
		if member == nil && path.Base(f.Name) == fileName {
			member = f
		}
	}
	if member == nil {
		return "", eris.Errorf("fetcher: %q not found in zip archive", fileName)
	}

	// Only the base name is used on disk, so archive paths cannot escape destDir.
	dest := filepath.Join(destDir, filepath.Base(fileName))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "fetcher: create directory")
	}

	rc, err := member.Open()
	if err != nil {
		return "", eris.Wrap(err, "fetcher: open zip entry")
	}
	defer rc.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(destDir, ".extract-*")
	if err != nil {
		return "", eris.Wrap(err, "fetcher: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		return "", eris.Wrap(err, "fetcher: write file")
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "fetcher: close temp file")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", eris.Wrap(err, "fetcher: rename extracted file")
	}
	return dest, nil
}
