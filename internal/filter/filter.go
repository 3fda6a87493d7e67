// Package filter implements the admission predicates that decide which
// packages, releases and release files are mirrored.
package filter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/petroprotsakh/mirror-sync/internal/model"
)

// ProjectFilter decides whether a package name is mirrored at all.
type ProjectFilter interface {
	Filter(ctx context.Context, name string) bool
}

// MetadataFilter decides whether a package's metadata passes admission.
type MetadataFilter interface {
	Filter(ctx context.Context, pkg *model.Package) bool
}

// ReleaseFilter decides whether a specific version of a package is mirrored.
type ReleaseFilter interface {
	Filter(ctx context.Context, pkg *model.Package, version string) bool
}

// ReleaseFileFilter decides whether a specific release file is mirrored.
type ReleaseFileFilter interface {
	Filter(ctx context.Context, pkg *model.Package, version string, f model.ReleaseFile) bool
}

// Chain runs every configured filter of each kind and admits only when all
// of them do (conjunctive), matching bandersnatch's plugin chain semantics.
type Chain struct {
	projects     []ProjectFilter
	metadata     []MetadataFilter
	releases     []ReleaseFilter
	releaseFiles []ReleaseFileFilter
}

// NewChain builds a Chain from the given filter sets. Any slice may be nil.
func NewChain(
	projects []ProjectFilter,
	metadata []MetadataFilter,
	releases []ReleaseFilter,
	releaseFiles []ReleaseFileFilter,
) *Chain {
	return &Chain{
		projects:     projects,
		metadata:     metadata,
		releases:     releases,
		releaseFiles: releaseFiles,
	}
}

// AllowProject reports whether name passes every configured ProjectFilter.
func (c *Chain) AllowProject(ctx context.Context, name string) bool {
	for _, f := range c.projects {
		if !f.Filter(ctx, name) {
			return false
		}
	}
	return true
}

// AllowMetadata reports whether pkg passes every configured MetadataFilter.
func (c *Chain) AllowMetadata(ctx context.Context, pkg *model.Package) bool {
	for _, f := range c.metadata {
		if !f.Filter(ctx, pkg) {
			return false
		}
	}
	return true
}

// AllowRelease reports whether version of pkg passes every ReleaseFilter.
func (c *Chain) AllowRelease(ctx context.Context, pkg *model.Package, version string) bool {
	for _, f := range c.releases {
		if !f.Filter(ctx, pkg, version) {
			return false
		}
	}
	return true
}

// AllowReleaseFile reports whether f passes every ReleaseFileFilter.
func (c *Chain) AllowReleaseFile(ctx context.Context, pkg *model.Package, version string, file model.ReleaseFile) bool {
	for _, flt := range c.releaseFiles {
		if !flt.Filter(ctx, pkg, version, file) {
			return false
		}
	}
	return true
}

// RegexNameFilter implements ProjectFilter with allow/deny regex lists.
// A name is admitted if it matches no deny pattern, and (if any allow
// patterns are configured) matches at least one of them.
type RegexNameFilter struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// NewRegexNameFilter compiles the allow/deny pattern lists.
func NewRegexNameFilter(allowPatterns, denyPatterns []string) (*RegexNameFilter, error) {
	allow, err := compileAll(allowPatterns)
	if err != nil {
		return nil, err
	}
	deny, err := compileAll(denyPatterns)
	if err != nil {
		return nil, err
	}
	return &RegexNameFilter{allow: allow, deny: deny}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func (f *RegexNameFilter) Filter(_ context.Context, name string) bool {
	for _, re := range f.deny {
		if re.MatchString(name) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, re := range f.allow {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// PlatformReleaseFileFilter admits only release files whose filename
// carries one of the configured platform tags, or files with no platform
// tag at all (sdists), when platforms is non-empty.
type PlatformReleaseFileFilter struct {
	platforms []string
}

// NewPlatformReleaseFileFilter builds a filter from the configured tags.
// An empty list admits every file.
func NewPlatformReleaseFileFilter(platforms []string) *PlatformReleaseFileFilter {
	return &PlatformReleaseFileFilter{platforms: platforms}
}

func (f *PlatformReleaseFileFilter) Filter(_ context.Context, _ *model.Package, _ string, file model.ReleaseFile) bool {
	if len(f.platforms) == 0 {
		return true
	}
	if !isWheel(file.Filename) {
		return true
	}
	for _, p := range f.platforms {
		if containsFold(file.Filename, p) {
			return true
		}
	}
	return false
}

// RequiresPythonReleaseFileFilter admits a release file only if the
// operator's configured Python requirement is satisfied by the file's own
// requires-python specifier. Files that declare no specifier are always
// admitted.
type RequiresPythonReleaseFileFilter struct {
	pythonVersion *version.Version
}

// NewRequiresPythonReleaseFileFilter takes the operator's configured
// requires_python setting — itself a PEP 440 specifier such as ">=3.8",
// matching config.Filters.RequiresPython's format — and reduces it to a
// single representative version (its first clause's bound) to check each
// file's own specifier against, mirroring how pip checks a single running
// interpreter's version rather than a range against a range.
func NewRequiresPythonReleaseFileFilter(targetSpecifier string) (*RequiresPythonReleaseFileFilter, error) {
	v, err := baselinePythonVersion(targetSpecifier)
	if err != nil {
		return nil, fmt.Errorf("parsing requires_python target %q: %w", targetSpecifier, err)
	}
	return &RequiresPythonReleaseFileFilter{pythonVersion: v}, nil
}

var specifierOperators = []string{"~=", "==", "!=", ">=", "<=", ">", "<", "="}

// baselinePythonVersion strips a leading PEP 440 operator (if any) from
// the specifier's first clause and parses what remains as a bare version.
func baselinePythonVersion(spec string) (*version.Version, error) {
	first := strings.TrimSpace(strings.SplitN(spec, ",", 2)[0])
	for _, op := range specifierOperators {
		if strings.HasPrefix(first, op) {
			first = strings.TrimSpace(strings.TrimPrefix(first, op))
			break
		}
	}
	return version.NewVersion(first)
}

func (f *RequiresPythonReleaseFileFilter) Filter(_ context.Context, _ *model.Package, _ string, file model.ReleaseFile) bool {
	if strings.TrimSpace(file.RequiresPython) == "" {
		return true
	}
	constraints, err := pep440Constraints(file.RequiresPython)
	if err != nil {
		// Malformed upstream specifier: don't let it block an otherwise
		// eligible file.
		return true
	}
	return constraints.Check(f.pythonVersion)
}

// pep440Constraints translates a PEP 440 version specifier set into a
// go-version constraint list. Both dialects share >=, <=, ==, !=, >, <;
// PEP 440's compatible-release operator (~=) has no go-version
// equivalent, so it is expanded into an explicit >=/< pair.
func pep440Constraints(spec string) (version.Constraints, error) {
	var clauses []string
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.HasPrefix(part, "~="):
			base := strings.TrimSpace(strings.TrimPrefix(part, "~="))
			upper, ok := bumpCompatibleUpperBound(base)
			if !ok {
				return nil, fmt.Errorf("filter: unparsable ~= specifier %q", part)
			}
			clauses = append(clauses, ">= "+base, "< "+upper)
		case strings.HasPrefix(part, "=="):
			// go-version uses a bare "=" for exact match, PEP 440 uses "==".
			clauses = append(clauses, "="+strings.TrimPrefix(part, "=="))
		default:
			clauses = append(clauses, part)
		}
	}
	return version.NewConstraint(strings.Join(clauses, ", "))
}

// bumpCompatibleUpperBound implements PEP 440's ~= upper-bound rule:
// "~=2.2" allows up to (but excluding) "3.0"; "~=2.2.post3" allows up to
// (but excluding) "2.3". The last segment is dropped and the
// second-to-last is incremented.
func bumpCompatibleUpperBound(base string) (string, bool) {
	segs := strings.Split(base, ".")
	if len(segs) < 2 {
		return "", false
	}
	idx := len(segs) - 2
	n, err := strconv.Atoi(segs[idx])
	if err != nil {
		return "", false
	}
	upper := append(append([]string{}, segs[:idx]...), strconv.Itoa(n+1))
	return strings.Join(upper, "."), true
}

func isWheel(filename string) bool {
	return len(filename) > 4 && filename[len(filename)-4:] == ".whl"
}

func containsFold(s, substr string) bool {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(substr)).MatchString(s)
}
