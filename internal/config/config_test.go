package config

import (
	"strings"
	"testing"
)

func TestParse_AppliesDefaults(t *testing.T) {
	data := []byte(`
upstream_url: https://pypi.org
storage_dir: /srv/mirror
`)

	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if c.Workers != 3 {
		t.Errorf("Workers default = %d, want 3", c.Workers)
	}
	if c.DigestName != "sha256" {
		t.Errorf("DigestName default = %q, want sha256", c.DigestName)
	}
	if c.KeepIndexVersions != 10 {
		t.Errorf("KeepIndexVersions default = %d, want 10", c.KeepIndexVersions)
	}
}

func TestParse_MissingUpstreamURL(t *testing.T) {
	data := []byte(`storage_dir: /srv/mirror`)

	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for missing upstream_url")
	}
	if !strings.Contains(err.Error(), "upstream_url") {
		t.Errorf("error should mention upstream_url, got %v", err)
	}
}

func TestValidate_WorkersOverLimit(t *testing.T) {
	c := &Config{
		UpstreamURL: "https://pypi.org",
		StorageDir:  "/srv/mirror",
		Workers:     11,
		DigestName:  "sha256",
	}

	if err := c.Validate(); err == nil {
		t.Fatal("expected error for workers > 10")
	}
}

func TestValidate_NegativeKeepIndexVersions(t *testing.T) {
	c := &Config{
		UpstreamURL:       "https://pypi.org",
		StorageDir:        "/srv/mirror",
		Workers:           3,
		DigestName:        "sha256",
		KeepIndexVersions: -1,
	}

	if err := c.Validate(); err == nil {
		t.Fatal("expected error for negative keep_index_versions")
	}
}

func TestParse_CustomFilters(t *testing.T) {
	data := []byte(`
upstream_url: https://pypi.org
storage_dir: /srv/mirror
filters:
  allow_patterns:
    - "^django.*"
  deny_patterns:
    - "^test-"
  requires_python: ">=3.8"
  platforms:
    - linux
`)

	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(c.Filters.AllowPatterns) != 1 || c.Filters.AllowPatterns[0] != "^django.*" {
		t.Errorf("unexpected allow patterns: %v", c.Filters.AllowPatterns)
	}
	if c.Filters.RequiresPython != ">=3.8" {
		t.Errorf("unexpected requires_python: %q", c.Filters.RequiresPython)
	}
}
