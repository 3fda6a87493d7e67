package master

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/petroprotsakh/mirror-sync/internal/httpclient"
)

func TestHTTPMaster_AllPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/local-stats/packages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"packages": {"Foo_Bar": 10, "baz": 20}}`))
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	got, err := m.AllPackages(context.Background())
	if err != nil {
		t.Fatalf("AllPackages: %v", err)
	}

	if got["foo-bar"] != 10 {
		t.Errorf("expected normalized name foo-bar, got %+v", got)
	}
	if got["baz"] != 20 {
		t.Errorf("expected baz=20, got %+v", got)
	}
}

func TestHTTPMaster_ChangedPackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/changes/100" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"packages": {"alpha": 101}}`))
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	got, err := m.ChangedPackages(context.Background(), 100)
	if err != nil {
		t.Fatalf("ChangedPackages: %v", err)
	}
	if got["alpha"] != 101 {
		t.Errorf("expected alpha=101, got %+v", got)
	}
}

func TestHTTPMaster_GetMetadata_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	_, err := m.GetMetadata(context.Background(), "missing", 1)
	if !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
}

func TestHTTPMaster_GetMetadata_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"info": {"name": "Foo"},
			"last_serial": 42,
			"releases": {
				"1.0": [{"url": "https://files.example/packages/ab/cd/foo-1.0.tar.gz", "filename": "foo-1.0.tar.gz", "digests": {"sha256": "deadbeef"}}]
			}
		}`))
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	pkg, err := m.GetMetadata(context.Background(), "Foo", 3)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}

	if pkg.NormalizedName != "foo" {
		t.Errorf("NormalizedName = %q, want foo", pkg.NormalizedName)
	}
	if pkg.LastSerial != 42 {
		t.Errorf("LastSerial = %d, want 42", pkg.LastSerial)
	}
	files, ok := pkg.Releases["1.0"]
	if !ok || len(files) != 1 {
		t.Fatalf("expected one release file for 1.0, got %+v", pkg.Releases)
	}
	if files[0].Digests["sha256"] != "deadbeef" {
		t.Errorf("unexpected digest: %+v", files[0].Digests)
	}

	info, ok := pkg.Metadata["info"].(map[string]any)
	if !ok {
		t.Fatalf("expected pkg.Metadata[\"info\"] to survive verbatim, got %+v", pkg.Metadata)
	}
	if info["name"] != "Foo" {
		t.Errorf("pkg.Metadata info.name = %v, want Foo", info["name"])
	}
}

func TestHTTPMaster_GetMetadata_PreservesFullUpstreamDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"info": {"name": "Foo", "version": "1.0", "summary": "a test package", "classifiers": ["Topic :: Software Development"]},
			"last_serial": 42,
			"releases": {}
		}`))
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	pkg, err := m.GetMetadata(context.Background(), "Foo", 1)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}

	info, ok := pkg.Metadata["info"].(map[string]any)
	if !ok {
		t.Fatalf("expected info map, got %+v", pkg.Metadata)
	}
	if info["summary"] != "a test package" {
		t.Errorf("summary dropped from metadata: %+v", info)
	}
	classifiers, ok := info["classifiers"].([]any)
	if !ok || len(classifiers) != 1 {
		t.Errorf("classifiers dropped from metadata: %+v", info)
	}
}

func TestHTTPMaster_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("filecontent"))
	}))
	defer srv.Close()

	m := New(srv.URL, httpclient.New(httpclient.DefaultConfig()))
	body, err := m.Stream(context.Background(), srv.URL+"/packages/ab/cd/foo-1.0.tar.gz")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close() //nolint:errcheck

	buf := make([]byte, 32)
	n, _ := body.Read(buf)
	if string(buf[:n]) != "filecontent" {
		t.Errorf("unexpected stream content: %q", buf[:n])
	}
}
