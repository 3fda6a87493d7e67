// Package writer renders package metadata to the on-disk mirror layout
// (C5): simple pages, JSON metadata, and the global index.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
)

// ErrInvalidDownloadURL is returned when an artifact URL's path does not
// begin with /packages, which would indicate corrupt upstream data.
var ErrInvalidDownloadURL = errors.New("writer: invalid download url")

// Config configures the writer's rendering behavior.
type Config struct {
	HashIndex         bool
	SaveJSON          bool
	RootURI           string
	KeepIndexVersions int
	Cleanup           bool
	// DigestName is the preferred digest algorithm for a simple page's
	// href fragment. Falls back to sha256, then to whatever digest
	// upstream actually advertised, when the configured name is absent.
	DigestName string
}

// Writer commits package records to the mirror's simple/json/index layout.
type Writer struct {
	backend storage.Storage
	cfg     Config

	mu        sync.Mutex
	diffFiles []string
}

// New returns a Writer backed by backend.
func New(backend storage.Storage, cfg Config) *Writer {
	return &Writer{backend: backend, cfg: cfg}
}

// DiffFiles returns every path this writer has committed so far.
func (w *Writer) DiffFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.diffFiles))
	copy(out, w.diffFiles)
	return out
}

func (w *Writer) recordDiff(p string) {
	w.mu.Lock()
	w.diffFiles = append(w.diffFiles, w.backend.Path(p))
	w.mu.Unlock()
}

func simpleDir(name string, hashIndex bool) string {
	if hashIndex {
		return path.Join("web", "simple", string(name[0]), name)
	}
	return path.Join("web", "simple", name)
}

// WriteSimplePage renders and commits pkg's per-package simple index.
// With KeepIndexVersions > 0 it writes a timestamped file under versions/
// and retargets index.html as a symlink, rotating out the oldest copies.
func (w *Writer) WriteSimplePage(ctx context.Context, pkg *model.Package) error {
	body, err := w.renderSimplePage(pkg)
	if err != nil {
		return err
	}

	dir := simpleDir(pkg.NormalizedName, w.cfg.HashIndex)
	indexPath := path.Join(dir, "index.html")

	if w.cfg.KeepIndexVersions <= 0 {
		if err := w.atomicWrite(ctx, indexPath, body); err != nil {
			return err
		}
		return nil
	}

	versionsDir := path.Join(dir, "versions")
	ts := time.Now().UTC().Format("20060102T150405")
	versionedName := fmt.Sprintf("index_%d_%s.html", pkg.LastSerial, ts)
	versionedPath := path.Join(versionsDir, versionedName)

	if err := w.atomicWrite(ctx, versionedPath, body); err != nil {
		return err
	}

	if err := w.backend.Symlink(path.Join("versions", versionedName), indexPath); err != nil {
		return fmt.Errorf("symlinking index.html for %s: %w", pkg.NormalizedName, err)
	}
	w.recordDiff(indexPath)

	return w.rotateVersions(versionsDir)
}

// rotateVersions keeps only the newest KeepIndexVersions files in dir,
// ordered by the serial in each index_<serial>_<ts>.html name and then by
// filename, so that serials of different digit counts still sort
// chronologically.
func (w *Writer) rotateVersions(dir string) error {
	names, err := w.backend.Iterdir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	serialOf := func(name string) int64 {
		rest := strings.TrimPrefix(name, "index_")
		n, _ := strconv.ParseInt(strings.SplitN(rest, "_", 2)[0], 10, 64)
		return n
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := serialOf(names[i]), serialOf(names[j])
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})

	if len(names) <= w.cfg.KeepIndexVersions {
		return nil
	}

	stale := names[:len(names)-w.cfg.KeepIndexVersions]
	for _, name := range stale {
		if err := w.backend.Unlink(path.Join(dir, name)); err != nil {
			return fmt.Errorf("unlinking stale index version %s: %w", name, err)
		}
	}
	return nil
}

func (w *Writer) atomicWrite(ctx context.Context, p string, body []byte) error {
	sink, err := w.backend.Rewrite(ctx, p)
	if err != nil {
		return fmt.Errorf("opening %s for write: %w", p, err)
	}
	if _, err := sink.Write(body); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", p, err)
	}
	w.recordDiff(p)
	return nil
}

func (w *Writer) renderSimplePage(pkg *model.Package) ([]byte, error) {
	type fileLine struct {
		href     string
		filename string
		requires string
	}

	var lines []fileLine
	for _, f := range pkg.ReleaseFiles() {
		rewritten, err := w.RewriteURL(f.URL)
		if err != nil {
			return nil, err
		}
		algo, digest := w.firstDigest(f.Digests)
		href := rewritten
		if algo != "" {
			href = fmt.Sprintf("%s#%s=%s", rewritten, algo, digest)
		}
		lines = append(lines, fileLine{href: href, filename: f.Filename, requires: f.RequiresPython})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].filename < lines[j].filename })

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n    <title>Links for ")
	b.WriteString(html.EscapeString(pkg.RawName))
	b.WriteString("</title>\n  </head>\n  <body>\n    <h1>Links for ")
	b.WriteString(html.EscapeString(pkg.RawName))
	b.WriteString("</h1>\n")
	for _, l := range lines {
		b.WriteString(`    <a href="`)
		b.WriteString(l.href)
		b.WriteString(`"`)
		if l.requires != "" {
			b.WriteString(` data-requires-python="`)
			b.WriteString(html.EscapeString(l.requires))
			b.WriteString(`"`)
		}
		b.WriteString(">")
		b.WriteString(html.EscapeString(l.filename))
		b.WriteString("</a><br/>\n")
	}
	b.WriteString("  </body>\n</html>\n<!--SERIAL ")
	b.WriteString(strconv.FormatInt(pkg.LastSerial, 10))
	b.WriteString("-->\n")

	return []byte(b.String()), nil
}

// firstDigest picks the primary digest for a release file's href fragment:
// the configured DigestName if present, otherwise sha256, otherwise
// whatever single digest upstream happened to advertise.
func (w *Writer) firstDigest(digests model.Digests) (algo, hex string) {
	if w.cfg.DigestName != "" {
		if v, ok := digests[w.cfg.DigestName]; ok {
			return w.cfg.DigestName, v
		}
	}
	if v, ok := digests["sha256"]; ok {
		return "sha256", v
	}
	for k, v := range digests {
		return k, v
	}
	return "", ""
}

// SaveJSONMetadata serializes pkg's raw metadata and symlinks it under the
// pypi compatibility path. A failure is fatal for the package per policy.
// Does nothing when SaveJSON is off.
func (w *Writer) SaveJSONMetadata(ctx context.Context, pkg *model.Package) error {
	if !w.cfg.SaveJSON {
		return nil
	}

	data, err := marshalSortedIndent(pkg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %s: %w", pkg.NormalizedName, err)
	}

	jsonPath := path.Join("web", "json", pkg.NormalizedName)
	if err := w.atomicWrite(ctx, jsonPath, data); err != nil {
		return err
	}

	pypiDir := path.Join("web", "pypi", pkg.NormalizedName)
	if err := w.backend.MkdirAll(pypiDir); err != nil {
		return fmt.Errorf("creating %s: %w", pypiDir, err)
	}

	target := path.Join(pypiDir, "json")
	rel := path.Join("..", "..", "json", pkg.NormalizedName)
	if err := w.backend.Symlink(rel, target); err != nil {
		return fmt.Errorf("symlinking %s: %w", target, err)
	}
	w.recordDiff(target)

	return nil
}

func marshalSortedIndent(v any) ([]byte, error) {
	// json.Marshal already sorts map keys; MarshalIndent gives stable,
	// human-readable formatting matching the spec's "indent 4" contract.
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteLastModified records when (the start of) this run finalized,
// matching the original's "web/last-modified" stable on-disk contract.
func (w *Writer) WriteLastModified(ctx context.Context, when time.Time) error {
	body := []byte(when.UTC().Format("20060102T15:04:05") + "\n")
	return w.atomicWrite(ctx, path.Join("web", "last-modified"), body)
}

// WriteIndexPage enumerates the simple directories and (re)writes the
// global index. Callers should skip this entirely when need_index_sync
// is false; the method itself performs no such check.
func (w *Writer) WriteIndexPage(ctx context.Context) error {
	names, err := w.listPackageNames()
	if err != nil {
		return err
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head><title>Simple Index</title></head>\n  <body>\n")
	for _, name := range names {
		b.WriteString(`    <a href="`)
		b.WriteString(html.EscapeString(name))
		b.WriteString(`/">`)
		b.WriteString(html.EscapeString(name))
		b.WriteString("</a><br/>\n")
	}
	b.WriteString("  </body>\n</html>\n")

	return w.atomicWrite(ctx, path.Join("web", "simple", "index.html"), []byte(b.String()))
}

func (w *Writer) listPackageNames() ([]string, error) {
	root := path.Join("web", "simple")
	if !w.cfg.HashIndex {
		entries, err := w.backend.Iterdir(root)
		if err != nil {
			if !w.backend.Exists(root) {
				return nil, nil
			}
			return nil, err
		}
		return filterDirs(w.backend, root, entries), nil
	}

	shards, err := w.backend.Iterdir(root)
	if err != nil {
		if !w.backend.Exists(root) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, shard := range shards {
		shardDir := path.Join(root, shard)
		if !w.backend.IsDir(shardDir) {
			continue
		}
		entries, err := w.backend.Iterdir(shardDir)
		if err != nil {
			return nil, err
		}
		names = append(names, filterDirs(w.backend, shardDir, entries)...)
	}
	return names, nil
}

func filterDirs(backend storage.Storage, dir string, entries []string) []string {
	var out []string
	for _, e := range entries {
		if backend.IsDir(path.Join(dir, e)) {
			out = append(out, e)
		}
	}
	return out
}

// CleanupNonPEP503Paths removes the legacy raw-name and safe-name
// directories once pkg has been written under its canonical path.
// Best-effort: failures are swallowed, matching the original's policy.
func (w *Writer) CleanupNonPEP503Paths(_ context.Context, pkg *model.Package) {
	if !w.cfg.Cleanup {
		return
	}

	legacy := []string{pkg.RawName, safeName(pkg.RawName)}
	for _, name := range legacy {
		if name == pkg.NormalizedName {
			continue
		}
		dir := simpleDir(name, w.cfg.HashIndex)
		if w.backend.Exists(dir) {
			_ = removeTree(w.backend, dir)
		}
	}
}

// safeName mimics the legacy "safe name" transform: runs of non
// alphanumeric characters collapsed to a single underscore.
func safeName(raw string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range raw {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return b.String()
}

func removeTree(backend storage.Storage, dir string) error {
	entries, err := backend.Iterdir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join(dir, e)
		if backend.IsDir(p) {
			if err := removeTree(backend, p); err != nil {
				return err
			}
			continue
		}
		if err := backend.Unlink(p); err != nil {
			return err
		}
	}
	return backend.Unlink(dir)
}

// RewriteURL rewrites an absolute artifact URL for embedding in a simple
// page: to root_uri-prefixed form when configured, otherwise relative.
func (w *Writer) RewriteURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if !strings.HasPrefix(u.Path, "/packages") {
		return "", fmt.Errorf("%w: %s", ErrInvalidDownloadURL, rawURL)
	}

	if w.cfg.RootURI != "" {
		return strings.TrimRight(w.cfg.RootURI, "/") + u.Path, nil
	}
	return ".." + "/" + ".." + u.Path, nil
}

// LocalPathForURL returns the on-disk path for a download URL, relative
// to the storage home, rooted under web/.
func (w *Writer) LocalPathForURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if !strings.HasPrefix(u.Path, "/packages") {
		return "", fmt.Errorf("%w: %s", ErrInvalidDownloadURL, rawURL)
	}
	decoded, err := url.PathUnescape(u.Path)
	if err != nil {
		return "", fmt.Errorf("decoding url path %q: %w", u.Path, err)
	}
	return path.Join("web", decoded), nil
}
