// Package session is the top-level entry point for one mirror run (C8):
// it wires every other component together from a validated configuration.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/petroprotsakh/mirror-sync/internal/config"
	"github.com/petroprotsakh/mirror-sync/internal/filter"
	"github.com/petroprotsakh/mirror-sync/internal/httpclient"
	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/master"
	"github.com/petroprotsakh/mirror-sync/internal/orchestrator"
	"github.com/petroprotsakh/mirror-sync/internal/state"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
	"github.com/petroprotsakh/mirror-sync/internal/syncer"
	"github.com/petroprotsakh/mirror-sync/internal/writer"
)

// Session drives exactly one mirror run against a validated Config.
type Session struct {
	cfg config.Config
	log *logging.Logger
}

// New validates cfg and returns a Session ready to Run.
func New(cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Session{cfg: cfg, log: logging.Default()}, nil
}

// Run instantiates storage and the upstream client as scoped resources,
// builds the state/writer/syncer/orchestrator stack, executes one sync,
// and writes the diff file if configured.
func (s *Session) Run(ctx context.Context, specificPackages []string) error {
	log := s.log

	if log.IsNormal() {
		log.Print("Syncing mirror from %s\n", s.cfg.UpstreamURL)
		log.Print("Storage directory: %s\n", s.cfg.StorageDir)
		log.Println()
	} else {
		logging.Info("starting mirror sync", "upstream", s.cfg.UpstreamURL, "storage_dir", s.cfg.StorageDir)
	}

	if s.cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GlobalTimeout)
		defer cancel()
	}

	backend, err := storage.NewLocal(s.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}

	st := state.New(backend)

	release, err := st.AcquireLock(ctx, s.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	defer release()

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = s.cfg.RequestTimeout
	client := httpclient.New(httpCfg)

	m := master.New(s.cfg.UpstreamURL, client)
	defer m.Close() //nolint:errcheck

	filterChain, err := buildFilterChain(s.cfg.Filters)
	if err != nil {
		return fmt.Errorf("building filter chain: %w", err)
	}

	w := writer.New(backend, writer.Config{
		HashIndex:         s.cfg.HashIndex,
		SaveJSON:          s.cfg.SaveJSON,
		RootURI:           s.cfg.RootURI,
		KeepIndexVersions: s.cfg.KeepIndexVersions,
		Cleanup:           s.cfg.Cleanup,
		DigestName:        s.cfg.DigestName,
	})

	sy := syncer.New(backend, m, w, syncer.Config{ShowProgress: log.ShowProgress()})

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:     s.cfg.Workers,
		StopOnError: s.cfg.StopOnError,
	}, st, w, sy, m, filterChain)
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}

	if log.IsNormal() {
		log.Print("→ Running sync...\n")
	} else {
		logging.Info("running sync")
	}

	start := time.Now()
	results, runErr := orch.Run(ctx, specificPackages)
	elapsed := time.Since(start).Round(time.Millisecond)

	if log.IsNormal() {
		log.Print("  Synced %d package(s) in %s\n", len(results), elapsed)
		log.Println()
	} else {
		logging.Info("sync complete", "packages", len(results), "duration", elapsed)
	}

	if runErr != nil {
		return fmt.Errorf("running sync: %w", runErr)
	}

	if s.cfg.DiffFile != "" {
		if err := s.writeDiffFile(w, results); err != nil {
			return fmt.Errorf("writing diff file: %w", err)
		}
	}

	return nil
}

func buildFilterChain(f config.Filters) (*filter.Chain, error) {
	nameFilter, err := filter.NewRegexNameFilter(f.AllowPatterns, f.DenyPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling name patterns: %w", err)
	}
	releaseFileFilters := []filter.ReleaseFileFilter{filter.NewPlatformReleaseFileFilter(f.Platforms)}

	if f.RequiresPython != "" {
		rpFilter, err := filter.NewRequiresPythonReleaseFileFilter(f.RequiresPython)
		if err != nil {
			return nil, fmt.Errorf("building requires-python filter: %w", err)
		}
		releaseFileFilters = append(releaseFileFilters, rpFilter)
	}

	return filter.NewChain(
		[]filter.ProjectFilter{nameFilter},
		nil,
		nil,
		releaseFileFilters,
	), nil
}

// writeDiffFile computes the diff file path (optionally suffixed with an
// epoch second, coerced into a directory by naming "mirrored-files"
// inside it) and writes the union of every path the writer touched with
// per-package additions, one absolute path per line.
func (s *Session) writeDiffFile(w *writer.Writer, results map[string][]string) error {
	diffPath := s.cfg.DiffFile
	if s.cfg.DiffAppendEpoch {
		diffPath = diffPath + "-" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	if info, err := os.Stat(diffPath); err == nil && info.IsDir() {
		diffPath = diffPath + "/mirrored-files"
	}

	root, err := filepath.Abs(s.cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("resolving storage dir: %w", err)
	}

	seen := make(map[string]struct{})
	var lines []string
	addLine := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		lines = append(lines, p)
	}

	for _, p := range w.DiffFiles() {
		addLine(p)
	}
	for _, paths := range results {
		for _, p := range paths {
			addLine(filepath.Join(root, p))
		}
	}

	return os.WriteFile(diffPath, []byte(strings.Join(lines, "\n")), 0o644)
}
