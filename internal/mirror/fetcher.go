package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"endcat-go/internal/endcat"
)

const (
	// DefaultTimeout bounds a whole manifest or file request.
	DefaultTimeout = 300 * time.Second

	maxManifestSize = 32 << 20
)

// StatusError is a non-2xx response for the manifest or one of its files.
// Entry is empty for the manifest itself.
type StatusError struct {
	StatusCode int
	URL        string
	Entry      string
}

func (e *StatusError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("HTTP %d when fetching manifest: %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d when downloading %s", e.StatusCode, e.Entry)
}

// ManifestSummary describes a remote manifest without touching the mirror.
type ManifestSummary struct {
	URL              string
	PackageVersion   string
	MetadataChecksum string
	ItemCount        *int
	EntryCount       int
	TotalSize        int64
}

// Fetcher downloads manifests and bundle files over HTTP.
type Fetcher struct {
	http   *http.Client
	logger endcat.Logger
}

// NewFetcher creates a Fetcher. httpClient may be nil for a client with
// DefaultTimeout.
func NewFetcher(httpClient *http.Client, logger endcat.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{http: httpClient, logger: logger}
}

// Fetch downloads and parses the manifest for base and version, bypassing
// any HTTP caches.
func (f *Fetcher) Fetch(ctx context.Context, base, version string) (*Manifest, error) {
	manifestURL, err := BuildManifestURL(base, version)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")

	f.logger.Debug("fetching manifest", "url", manifestURL)
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: manifestURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.URL = manifestURL
	return m, nil
}

// Summary fetches the manifest and reports its headline fields.
func (f *Fetcher) Summary(ctx context.Context, base, version string) (*ManifestSummary, error) {
	m, err := f.Fetch(ctx, base, version)
	if err != nil {
		return nil, err
	}
	return &ManifestSummary{
		URL:              m.URL,
		PackageVersion:   m.PackageVersion,
		MetadataChecksum: m.MetadataChecksum,
		ItemCount:        m.ItemCount,
		EntryCount:       len(m.Entries),
		TotalSize:        m.TotalSize(),
	}, nil
}

// open starts a download of one bundle file. The caller closes the body.
func (f *Fetcher) open(ctx context.Context, fileURL, entry string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", entry, err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", entry, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: fileURL, Entry: entry}
	}
	return resp.Body, nil
}
