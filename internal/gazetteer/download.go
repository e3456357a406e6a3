package gazetteer

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/fetcher"
)

// Dataset locates a GeoNames dump on disk and where to fetch it from.
type Dataset struct {
	// File is the extracted TSV, e.g. data/cities15000.txt.
	File string

	// URL is the zip (or plain text) download. Empty disables downloading.
	URL string

	// Member is the file inside the zip. Defaults to the base name of File.
	Member string
}

// Ensure returns the local TSV path, downloading and extracting it first when
// the file is missing.
func Ensure(ctx context.Context, dl fetcher.Downloader, ds Dataset) (string, error) {
	if _, err := os.Stat(ds.File); err == nil {
		return ds.File, nil
	}
	if ds.URL == "" {
		return "", eris.Errorf("gazetteer: %s not found and no download url configured", ds.File)
	}

	dir := filepath.Dir(ds.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "gazetteer: mkdir %s", dir)
	}

	name, err := remoteName(ds.URL)
	if err != nil {
		return "", err
	}
	log := zap.L().With(zap.String("url", ds.URL))
	log.Info("gazetteer: downloading dataset")

	if filepath.Ext(name) != ".zip" {
		if _, err := dl.DownloadToFile(ctx, ds.URL, ds.File); err != nil {
			return "", eris.Wrap(err, "gazetteer: download dataset")
		}
		return ds.File, nil
	}

	zipPath := filepath.Join(dir, name)
	n, err := dl.DownloadToFile(ctx, ds.URL, zipPath)
	if err != nil {
		return "", eris.Wrap(err, "gazetteer: download dataset")
	}
	defer os.Remove(zipPath) //nolint:errcheck
	log.Info("gazetteer: downloaded archive", zap.Int64("bytes", n))

	member := ds.Member
	if member == "" {
		member = filepath.Base(ds.File)
	}
	extracted, err := fetcher.ExtractZIPFile(zipPath, member, dir)
	if err != nil {
		return "", eris.Wrap(err, "gazetteer: extract dataset")
	}
	if extracted != ds.File {
		if err := os.Rename(extracted, ds.File); err != nil {
			return "", eris.Wrap(err, "gazetteer: move extracted dataset")
		}
	}
	return ds.File, nil
}

func remoteName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "gazetteer: parse url %s", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", eris.Errorf("gazetteer: url %s has no file name", rawURL)
	}
	return name, nil
}
