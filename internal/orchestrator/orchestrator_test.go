package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/petroprotsakh/mirror-sync/internal/master"
	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/state"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
	"github.com/petroprotsakh/mirror-sync/internal/syncer"
	"github.com/petroprotsakh/mirror-sync/internal/writer"
)

func hashHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

type fakeMaster struct {
	serials map[string]int64
	pkgs    map[string]*model.Package
	bodies  map[string]string
}

func (f *fakeMaster) AllPackages(context.Context) (map[string]int64, error) { return f.serials, nil }
func (f *fakeMaster) ChangedPackages(context.Context, int64) (map[string]int64, error) {
	return f.serials, nil
}
func (f *fakeMaster) GetMetadata(_ context.Context, name string, _ int) (*model.Package, error) {
	pkg, ok := f.pkgs[name]
	if !ok {
		return nil, master.ErrPackageNotFound
	}
	return pkg, nil
}
func (f *fakeMaster) Stream(_ context.Context, url string) (io.ReadCloser, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, fmt.Errorf("no such url: %s", url)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}
func (f *fakeMaster) Close() error { return nil }

func buildTestOrchestrator(t *testing.T) (*Orchestrator, storage.Storage, *fakeMaster) {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	content := "bytes-for-alpha"
	digest := hashHex(content)

	m := &fakeMaster{
		serials: map[string]int64{"alpha": 2, "beta": 3},
		pkgs: map[string]*model.Package{
			"alpha": {
				RawName:        "alpha",
				NormalizedName: "alpha",
				LastSerial:     2,
				Metadata:       map[string]any{"name": "alpha"},
				Releases: map[string][]model.ReleaseFile{
					"1.0": {{
						URL:      "https://files.example/packages/ab/cd/alpha-1.0.tar.gz",
						Filename: "alpha-1.0.tar.gz",
						Digests:  model.Digests{"sha256": digest},
					}},
				},
			},
			"beta": {
				RawName:        "beta",
				NormalizedName: "beta",
				LastSerial:     3,
				Metadata:       map[string]any{"name": "beta"},
				Releases:       map[string][]model.ReleaseFile{},
			},
		},
		bodies: map[string]string{
			"https://files.example/packages/ab/cd/alpha-1.0.tar.gz": content,
		},
	}

	w := writer.New(backend, writer.Config{SaveJSON: true})
	sy := syncer.New(backend, m, w, syncer.Config{})
	st := state.New(backend)

	o, err := New(Config{Workers: 2}, st, w, sy, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, backend, m
}

func TestOrchestrator_Run_ColdStart(t *testing.T) {
	o, backend, _ := buildTestOrchestrator(t)

	results, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !backend.Exists("web/simple/alpha/index.html") {
		t.Error("expected alpha simple page to exist")
	}
	if !backend.Exists("web/simple/beta/index.html") {
		t.Error("expected beta simple page to exist")
	}
	if !backend.Exists("web/simple/index.html") {
		t.Error("expected global index to exist")
	}
	if !backend.Exists("web/last-modified") {
		t.Error("expected web/last-modified to exist after a successful finalize")
	}

	serial, err := o.state.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 3 {
		t.Errorf("serial = %d, want 3 (max of upstream)", serial)
	}

	if _, ok := results["alpha"]; !ok {
		t.Errorf("expected alpha in results, got %+v", results)
	}
}

func TestOrchestrator_New_RejectsTooManyWorkers(t *testing.T) {
	backend, _ := storage.NewLocal(t.TempDir())
	w := writer.New(backend, writer.Config{})
	m := &fakeMaster{}
	sy := syncer.New(backend, m, w, syncer.Config{})
	st := state.New(backend)

	_, err := New(Config{Workers: 11}, st, w, sy, m, nil)
	if err == nil {
		t.Fatal("expected error for Workers > 10")
	}
}

func TestOrchestrator_Run_ExplicitPackagesSkipsFinalize(t *testing.T) {
	o, backend, _ := buildTestOrchestrator(t)

	_, err := o.Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	serial, err := o.state.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 0 {
		t.Errorf("expected explicit-package run to never advance serial, got %d", serial)
	}
	if backend.Exists("todo") {
		t.Error("expected no todo file for explicit-package run")
	}
}
