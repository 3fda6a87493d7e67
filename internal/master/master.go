// Package master is the upstream client (C2): the only component that
// talks to the authoritative package index over the network.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/petroprotsakh/mirror-sync/internal/httpclient"
	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/normalize"
)

// ErrPackageNotFound is returned by GetMetadata when upstream has no such
// package. The orchestrator treats it as a silent, non-fatal skip.
var ErrPackageNotFound = errors.New("master: package not found")

// Master is the upstream contract every orchestrator run is built on.
type Master interface {
	AllPackages(ctx context.Context) (map[string]int64, error)
	ChangedPackages(ctx context.Context, since int64) (map[string]int64, error)
	GetMetadata(ctx context.Context, name string, attempts int) (*model.Package, error)
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
	Close() error
}

// HTTPMaster is the concrete Master backed by an HTTP package index.
type HTTPMaster struct {
	baseURL string
	client  *httpclient.Client
}

// New returns an HTTPMaster pointed at baseURL (e.g. "https://pypi.org").
func New(baseURL string, client *httpclient.Client) *HTTPMaster {
	return &HTTPMaster{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type packageSerials struct {
	Packages map[string]int64 `json:"packages"`
}

// AllPackages fetches the full name→serial mapping, used on a cold-start
// run (synced_serial == 0).
func (m *HTTPMaster) AllPackages(ctx context.Context) (map[string]int64, error) {
	return m.fetchSerials(ctx, m.baseURL+"/local-stats/packages")
}

// ChangedPackages fetches only the packages that mutated since the given
// serial, used for incremental runs.
func (m *HTTPMaster) ChangedPackages(ctx context.Context, since int64) (map[string]int64, error) {
	return m.fetchSerials(ctx, fmt.Sprintf("%s/changes/%d", m.baseURL, since))
}

func (m *HTTPMaster) fetchSerials(ctx context.Context, endpoint string) (map[string]int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req, httpclient.WithAuth(req.URL.Hostname()), httpclient.WithRetry())
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.NewHTTPError(resp)
	}

	var payload packageSerials
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", endpoint, err)
	}

	out := make(map[string]int64, len(payload.Packages))
	for name, serial := range payload.Packages {
		out[normalize.Name(name)] = serial
	}
	return out, nil
}

// rawPackage is the upstream JSON shape for a single package's metadata.
type rawPackage struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	LastSerial int64                       `json:"last_serial"`
	Releases   map[string][]rawReleaseFile `json:"releases"`
}

type rawReleaseFile struct {
	URL            string            `json:"url"`
	Filename       string            `json:"filename"`
	Digests        map[string]string `json:"digests"`
	RequiresPython string            `json:"requires_python"`
	Size           int64             `json:"size"`
}

// GetMetadata fetches a package's full metadata, retrying up to attempts
// times on transient failures. Returns ErrPackageNotFound on a 404.
func (m *HTTPMaster) GetMetadata(ctx context.Context, name string, attempts int) (*model.Package, error) {
	if attempts <= 0 {
		attempts = 1
	}

	endpoint := fmt.Sprintf("%s/pypi/%s/json", m.baseURL, url.PathEscape(name))

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		pkg, err := m.getMetadataOnce(ctx, endpoint, name)
		if err == nil {
			return pkg, nil
		}
		if errors.Is(err, ErrPackageNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetching metadata for %s after %d attempts: %w", name, attempts, lastErr)
}

func (m *HTTPMaster) getMetadataOnce(ctx context.Context, endpoint, name string) (*model.Package, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req, httpclient.WithAuth(req.URL.Hostname()), httpclient.WithRetry())
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPackageNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.NewHTTPError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %s: %w", name, err)
	}

	// Decode twice from the same bytes: once into the typed shape this
	// package needs to drive releases/filters, and once into a generic
	// map so pkg.Metadata keeps every field upstream sent, verbatim.
	var raw rawPackage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", name, err)
	}
	var full map[string]any
	if err := json.Unmarshal(body, &full); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", name, err)
	}

	pkg := &model.Package{
		RawName:        raw.Info.Name,
		NormalizedName: normalize.Name(raw.Info.Name),
		LastSerial:     raw.LastSerial,
		Metadata:       full,
		Releases:       make(map[string][]model.ReleaseFile, len(raw.Releases)),
	}
	for version, files := range raw.Releases {
		converted := make([]model.ReleaseFile, len(files))
		for i, f := range files {
			converted[i] = model.ReleaseFile{
				URL:            f.URL,
				Filename:       f.Filename,
				Digests:        model.Digests(f.Digests),
				RequiresPython: f.RequiresPython,
				Size:           f.Size,
			}
		}
		pkg.Releases[version] = converted
	}

	return pkg, nil
}

// Stream opens a streaming body for downloading a release file.
func (m *HTTPMaster) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.client.Do(req, httpclient.WithAuth(req.URL.Hostname()), httpclient.WithRetry())
	if err != nil {
		return nil, fmt.Errorf("streaming %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck
		return nil, httpclient.NewHTTPError(resp)
	}

	return resp.Body, nil
}

// Close releases any resources held by the master. HTTPMaster holds none
// directly (the underlying transport is shared and pooled by net/http).
func (m *HTTPMaster) Close() error {
	return nil
}
