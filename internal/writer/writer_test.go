package writer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, storage.Storage) {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return New(backend, cfg), backend
}

func testPackage() *model.Package {
	return &model.Package{
		RawName:        "Foo",
		NormalizedName: "foo",
		LastSerial:     7,
		Releases: map[string][]model.ReleaseFile{
			"1.0": {
				{
					URL:      "https://files.example/packages/ab/cd/foo-1.0.tar.gz",
					Filename: "foo-1.0.tar.gz",
					Digests:  model.Digests{"sha256": "deadbeef"},
				},
			},
		},
	}
}

func TestRewriteURL_Relative(t *testing.T) {
	w, _ := newTestWriter(t, Config{})
	got, err := w.RewriteURL("https://files.example/packages/ab/cd/foo-1.0.tgz")
	if err != nil {
		t.Fatalf("RewriteURL: %v", err)
	}
	if got != "../../packages/ab/cd/foo-1.0.tgz" {
		t.Errorf("RewriteURL = %q", got)
	}
}

func TestRewriteURL_RootURI(t *testing.T) {
	w, _ := newTestWriter(t, Config{RootURI: "https://m.example/"})
	got, err := w.RewriteURL("https://files.example/packages/ab/cd/foo-1.0.tgz")
	if err != nil {
		t.Fatalf("RewriteURL: %v", err)
	}
	if got != "https://m.example/packages/ab/cd/foo-1.0.tgz" {
		t.Errorf("RewriteURL = %q", got)
	}
}

func TestRewriteURL_InvalidPath(t *testing.T) {
	w, _ := newTestWriter(t, Config{})
	_, err := w.RewriteURL("https://files.example/not-packages/foo.tgz")
	if err == nil {
		t.Fatal("expected error for non-/packages path")
	}
}

func TestWriteSimplePage_RendersExpectedHTML(t *testing.T) {
	w, backend := newTestWriter(t, Config{})
	pkg := testPackage()

	if err := w.WriteSimplePage(context.Background(), pkg); err != nil {
		t.Fatalf("WriteSimplePage: %v", err)
	}

	rc, err := backend.OpenFile("web/simple/foo/index.html")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	buf := make([]byte, 4096)
	n, _ := rc.Read(buf)
	body := string(buf[:n])

	for _, want := range []string{
		"<title>Links for Foo</title>",
		`href="../../packages/ab/cd/foo-1.0.tar.gz#sha256=deadbeef"`,
		">foo-1.0.tar.gz</a><br/>",
		"<!--SERIAL 7-->",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestWriteSimplePage_RotatesVersions(t *testing.T) {
	w, backend := newTestWriter(t, Config{KeepIndexVersions: 2})
	pkg := testPackage()

	for i := int64(0); i < 4; i++ {
		pkg.LastSerial = i
		if err := w.WriteSimplePage(context.Background(), pkg); err != nil {
			t.Fatalf("WriteSimplePage iteration %d: %v", i, err)
		}
	}

	entries, err := backend.Iterdir("web/simple/foo/versions")
	if err != nil {
		t.Fatalf("Iterdir: %v", err)
	}
	if len(entries) > 2 {
		t.Errorf("expected at most 2 retained versions, got %d: %v", len(entries), entries)
	}
}

func TestSaveJSONMetadata(t *testing.T) {
	w, backend := newTestWriter(t, Config{SaveJSON: true})
	pkg := testPackage()
	pkg.Metadata = map[string]any{"name": "Foo", "version": "1.0"}

	if err := w.SaveJSONMetadata(context.Background(), pkg); err != nil {
		t.Fatalf("SaveJSONMetadata: %v", err)
	}

	if !backend.Exists("web/json/foo") {
		t.Error("expected web/json/foo to exist")
	}
	if !backend.Exists("web/pypi/foo/json") {
		t.Error("expected web/pypi/foo/json symlink to exist")
	}
}

func TestWriteIndexPage_ListsSortedNames(t *testing.T) {
	w, backend := newTestWriter(t, Config{})

	for _, name := range []string{"zeta", "alpha", "mid"} {
		pkg := testPackage()
		pkg.NormalizedName = name
		pkg.RawName = name
		if err := w.WriteSimplePage(context.Background(), pkg); err != nil {
			t.Fatalf("WriteSimplePage: %v", err)
		}
	}

	if err := w.WriteIndexPage(context.Background()); err != nil {
		t.Fatalf("WriteIndexPage: %v", err)
	}

	rc, err := backend.OpenFile("web/simple/index.html")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	buf := make([]byte, 4096)
	n, _ := rc.Read(buf)
	body := string(buf[:n])

	alphaIdx := strings.Index(body, "alpha")
	midIdx := strings.Index(body, "mid")
	zetaIdx := strings.Index(body, "zeta")
	if !(alphaIdx < midIdx && midIdx < zetaIdx) {
		t.Errorf("expected alpha < mid < zeta ordering, got body:\n%s", body)
	}
}

func TestWriteLastModified(t *testing.T) {
	w, backend := newTestWriter(t, Config{})
	when := time.Date(2026, 7, 31, 12, 34, 56, 0, time.UTC)

	if err := w.WriteLastModified(context.Background(), when); err != nil {
		t.Fatalf("WriteLastModified: %v", err)
	}

	rc, err := backend.OpenFile("web/last-modified")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	buf := make([]byte, 64)
	n, _ := rc.Read(buf)
	got := string(buf[:n])
	if got != "20260731T12:34:56\n" {
		t.Errorf("WriteLastModified body = %q, want %q", got, "20260731T12:34:56\n")
	}
}

func TestWriteSimplePage_PrefersConfiguredDigestName(t *testing.T) {
	w, backend := newTestWriter(t, Config{DigestName: "blake2b"})
	pkg := testPackage()
	pkg.Releases["1.0"][0].Digests["blake2b"] = "b2bhash"

	if err := w.WriteSimplePage(context.Background(), pkg); err != nil {
		t.Fatalf("WriteSimplePage: %v", err)
	}

	rc, err := backend.OpenFile("web/simple/foo/index.html")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer rc.Close() //nolint:errcheck

	buf := make([]byte, 4096)
	n, _ := rc.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "#blake2b=b2bhash") {
		t.Errorf("expected configured digest name in href, got:\n%s", body)
	}
}
