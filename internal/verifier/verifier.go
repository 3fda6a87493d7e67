// Package verifier is a read-only mirror contract checker (P3): for every
// simple page, it confirms the file behind each link exists and its
// sha256 matches the digest embedded in the href fragment.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"
)

var hrefPattern = regexp.MustCompile(`<a href="([^"]+)"[^>]*>([^<]*)</a>`)

// Result is the outcome of one verification pass.
type Result struct {
	Valid bool
	Errors []string

	PackageCount int
	FileCount    int

	// AuditDigests holds the dirhash h1 of every .whl/.zip release file
	// encountered, keyed by its on-disk path. This is a secondary,
	// audit-only digest: it never participates in Valid.
	AuditDigests map[string]string
}

// Verifier checks a mirror rooted at mirrorDir against its own simple pages.
type Verifier struct {
	mirrorDir string
}

// New returns a Verifier for the mirror rooted at mirrorDir.
func New(mirrorDir string) *Verifier {
	return &Verifier{mirrorDir: mirrorDir}
}

// Verify walks every per-package simple page under web/simple and checks
// that each linked release file exists and hashes to its embedded digest.
func (v *Verifier) Verify(ctx context.Context) (*Result, error) {
	simpleRoot := filepath.Join(v.mirrorDir, "web", "simple")

	result := &Result{Valid: true, AuditDigests: make(map[string]string)}

	pages, err := v.findSimplePages(simpleRoot)
	if err != nil {
		return nil, fmt.Errorf("discovering simple pages: %w", err)
	}

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v.verifyPackagePage(page, result)
		result.PackageCount++
	}

	sort.Strings(result.Errors)
	return result, nil
}

// findSimplePages returns every index.html under root except the global
// index itself (the one directly inside root).
func (v *Verifier) findSimplePages(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != "index.html" {
			return nil
		}
		if filepath.Dir(p) == root {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// verifyPackagePage checks every link on one per-package simple page.
// Every file is checked regardless of earlier failures on the same page;
// every failure is recorded onto result rather than stopping the pass.
func (v *Verifier) verifyPackagePage(indexPath string, result *Result) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("cannot read %s: %v", indexPath, err))
		return
	}
	dir := filepath.Dir(indexPath)

	for _, m := range hrefPattern.FindAllStringSubmatch(string(data), -1) {
		href, filename := m[1], m[2]

		localPath, algo, digest, err := v.resolveHref(dir, href)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", filename, err))
			continue
		}
		if algo == "" {
			continue
		}

		result.FileCount++
		if err := v.verifyFile(localPath, algo, digest, result); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, err.Error())
		}
	}
}

// resolveHref splits the fragment digest off href and resolves the
// remaining path to an on-disk location relative to the simple page's own
// directory, the same way a client following the link would.
func (v *Verifier) resolveHref(dir, href string) (localPath, algo, digest string, err error) {
	target := href
	if i := strings.IndexByte(href, '#'); i >= 0 {
		target = href[:i]
		algo, digest, _ = strings.Cut(href[i+1:], "=")
	}

	if strings.Contains(target, "://") {
		u, parseErr := url.Parse(target)
		if parseErr != nil {
			return "", "", "", fmt.Errorf("parsing href %q: %w", href, parseErr)
		}
		return filepath.Join(v.mirrorDir, filepath.FromSlash(path.Join("web", u.Path))), algo, digest, nil
	}

	decoded, err := url.PathUnescape(target)
	if err != nil {
		return "", "", "", fmt.Errorf("decoding href %q: %w", href, err)
	}
	return filepath.Clean(filepath.Join(dir, filepath.FromSlash(decoded))), algo, digest, nil
}

func (v *Verifier) verifyFile(localPath, algo, digest string, result *Result) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", localPath, err)
	}
	got := hex.EncodeToString(h.Sum(nil))

	if algo == "sha256" && got != digest {
		return fmt.Errorf("%s: digest mismatch: got %s want %s", localPath, got, digest)
	}

	if isZipArtifact(localPath) {
		if h1, err := dirhash.HashZip(localPath, dirhash.Hash1); err == nil {
			result.AuditDigests[localPath] = h1
		}
	}

	return nil
}

func isZipArtifact(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".whl" || ext == ".zip"
}
