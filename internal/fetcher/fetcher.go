// Package fetcher moves bytes from remote endpoints and unpacks them:
// rate-limited HTTP with retries, anonymous FTP, ZIP extraction and
// streaming CSV parsing.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Downloader fetches a remote file.
type Downloader interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Router dispatches downloads by URL scheme.
type Router struct {
	HTTP Downloader
	FTP  Downloader
}

func (r *Router) pick(rawURL string) (Downloader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch u.Scheme {
	case "http", "https":
		if r.HTTP != nil {
			return r.HTTP, nil
		}
	case "ftp":
		if r.FTP != nil {
			return r.FTP, nil
		}
	}
	return nil, eris.Errorf("fetcher: no downloader for scheme %q", u.Scheme)
}

// Download implements Downloader.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	d, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return d.Download(ctx, rawURL)
}

// DownloadToFile implements Downloader.
func (r *Router) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	d, err := r.pick(rawURL)
	if err != nil {
		return 0, err
	}
	return d.DownloadToFile(ctx, rawURL, path)
}
