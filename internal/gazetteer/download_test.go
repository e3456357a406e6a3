package gazetteer

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fileDownloader struct {
	src   string
	calls int
}

func (d *fileDownloader) Download(context.Context, string) (io.ReadCloser, error) {
	return os.Open(d.src)
}

func (d *fileDownloader) DownloadToFile(_ context.Context, _ string, path string) (int64, error) {
	d.calls++
	data, err := os.ReadFile(d.src)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), os.WriteFile(path, data, 0o644)
}

func writeZip(t *testing.T, path, member, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create(member)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestEnsure_ExistingFileSkipsDownload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities15000.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	dl := &fileDownloader{}
	got, err := Ensure(context.Background(), dl, Dataset{File: path, URL: "https://download.geonames.org/export/dump/cities15000.zip"})
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Zero(t, dl.calls)
}

func TestEnsure_DownloadsAndExtractsZip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "remote.zip")
	writeZip(t, src, "cities15000.txt", "row\n")

	dataDir := filepath.Join(t.TempDir(), "data")
	target := filepath.Join(dataDir, "cities15000.txt")
	dl := &fileDownloader{src: src}

	got, err := Ensure(context.Background(), dl, Dataset{File: target, URL: "ftp://mirror.example.org/dump/cities15000.zip"})
	require.NoError(t, err)
	assert.Equal(t, target, got)
	assert.Equal(t, 1, dl.calls)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "row\n", string(data))
	assert.NoFileExists(t, filepath.Join(dataDir, "cities15000.zip"))
}

func TestEnsure_PlainTextDownload(t *testing.T) {
	src := filepath.Join(t.TempDir(), "admin1.txt")
	require.NoError(t, os.WriteFile(src, []byte("CZ.52\tPrague\n"), 0o644))

	target := filepath.Join(t.TempDir(), "admin1CodesASCII.txt")
	got, err := Ensure(context.Background(), &fileDownloader{src: src}, Dataset{File: target, URL: "https://download.geonames.org/export/dump/admin1CodesASCII.txt"})
	require.NoError(t, err)
	assert.FileExists(t, got)
}

func TestEnsure_MissingWithoutURL(t *testing.T) {
	_, err := Ensure(context.Background(), &fileDownloader{}, Dataset{File: filepath.Join(t.TempDir(), "nope.txt")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no download url")
}
