// Package orchestrator drives one mirror run: discover, filter, sync,
// write the index, and finalize the serial (C7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petroprotsakh/mirror-sync/internal/filter"
	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/master"
	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/state"
	"github.com/petroprotsakh/mirror-sync/internal/syncer"
	"github.com/petroprotsakh/mirror-sync/internal/writer"
)

// maxWorkers is the hard cap on concurrent per-package workers (P7).
const maxWorkers = 10

// ErrTooManyWorkers is returned by New when Workers exceeds maxWorkers.
var ErrTooManyWorkers = errors.New("orchestrator: workers exceeds hard cap of 10")

// Config configures one orchestrator run.
type Config struct {
	Workers          int
	StopOnError      bool
	MetadataAttempts int
}

// Orchestrator runs the DISCOVER → FILTER → SYNC → WRITE_INDEX → FINALIZE
// state machine for a single mirror pass.
type Orchestrator struct {
	state   *state.Store
	writer  *writer.Writer
	syncer  *syncer.Syncer
	master  master.Master
	filters *filter.Chain
	cfg     Config
	log     *logging.Logger

	// finishLock serializes the todo-rewrite + packagesToSync critical
	// section across concurrent workers. The per-run results map has its
	// own mutex in Run.
	finishLock sync.Mutex
}

// New constructs an Orchestrator. Returns ErrTooManyWorkers if
// cfg.Workers exceeds the hard cap (P7).
func New(
	cfg Config,
	st *state.Store,
	w *writer.Writer,
	sy *syncer.Syncer,
	m master.Master,
	f *filter.Chain,
) (*Orchestrator, error) {
	if cfg.Workers > maxWorkers {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyWorkers, cfg.Workers)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MetadataAttempts <= 0 {
		cfg.MetadataAttempts = 3
	}

	return &Orchestrator{
		state:   st,
		writer:  w,
		syncer:  sy,
		master:  m,
		filters: f,
		cfg:     cfg,
		log:     logging.Default(),
	}, nil
}

// Run executes one sync pass. specificPackages, if non-empty, bypasses
// DISCOVER/FINALIZE entirely and treats every listed name as "don't care
// about staleness" (serial_hint=0), never advancing the synced serial.
// The returned map is normalized package name → paths written for it.
func (o *Orchestrator) Run(ctx context.Context, specificPackages []string) (map[string][]string, error) {
	runStarted := time.Now()
	explicit := len(specificPackages) > 0

	var targetSerial int64
	var packagesToSync map[string]int64
	var needIndexSync bool

	if explicit {
		packagesToSync = make(map[string]int64, len(specificPackages))
		for _, name := range specificPackages {
			packagesToSync[name] = 0
		}
		needIndexSync = true
	} else {
		var err error
		targetSerial, packagesToSync, needIndexSync, err = o.discover(ctx)
		if err != nil {
			return nil, err
		}
	}

	packagesToSync = o.filterProjects(ctx, packagesToSync)

	// serialHints is an immutable snapshot for lookups by workers; the
	// mutable packagesToSync map is only ever touched under finishLock.
	serialHints := make(map[string]int64, len(packagesToSync))
	queue := make([]string, 0, len(packagesToSync))
	for name, serial := range packagesToSync {
		serialHints[name] = serial
		queue = append(queue, name)
	}
	sort.Strings(queue)

	results := make(map[string][]string)
	var resultsMu sync.Mutex
	var hadErrors bool
	var errorsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	work := make(chan string)
	go func() {
		defer close(work)
		for _, name := range queue {
			select {
			case work <- name:
			case <-gctx.Done():
				return
			}
		}
	}()

	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for name := range work {
				serialHint := serialHints[name]
				paths, err := o.processPackage(gctx, name, serialHint, targetSerial, packagesToSync, explicit)
				if err != nil {
					if errors.Is(err, master.ErrPackageNotFound) {
						continue
					}
					o.log.Error("processing package failed", "package", name, "error", err)
					errorsMu.Lock()
					hadErrors = true
					errorsMu.Unlock()
					if o.cfg.StopOnError {
						return err
					}
					continue
				}
				if len(paths) > 0 {
					resultsMu.Lock()
					results[name] = paths
					resultsMu.Unlock()
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil && o.cfg.StopOnError {
		return results, runErr
	}

	if needIndexSync {
		if err := o.writer.WriteIndexPage(ctx); err != nil {
			return results, fmt.Errorf("writing global index: %w", err)
		}
	}

	if explicit {
		return results, nil
	}

	if err := o.finalize(ctx, hadErrors, targetSerial, runStarted); err != nil {
		return results, err
	}

	return results, nil
}

func (o *Orchestrator) discover(ctx context.Context) (targetSerial int64, packagesToSync map[string]int64, needIndexSync bool, err error) {
	if target, pkgs, ok, loadErr := o.state.LoadTodo(ctx); loadErr != nil {
		return 0, nil, false, fmt.Errorf("loading todo: %w", loadErr)
	} else if ok {
		o.log.Info("resuming interrupted sync from local todo list")
		return target, pkgs, true, nil
	}

	syncedSerial, err := o.state.ReadSerial(ctx)
	if err != nil {
		return 0, nil, false, fmt.Errorf("reading serial: %w", err)
	}

	var upstream map[string]int64
	if syncedSerial == 0 {
		upstream, err = o.master.AllPackages(ctx)
		needIndexSync = true
	} else {
		upstream, err = o.master.ChangedPackages(ctx, syncedSerial)
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("discovering packages: %w", err)
	}

	targetSerial = syncedSerial
	for _, serial := range upstream {
		if serial > targetSerial {
			targetSerial = serial
		}
	}

	if syncedSerial != 0 {
		needIndexSync = len(upstream) > 0
	}

	return targetSerial, upstream, needIndexSync, nil
}

func (o *Orchestrator) filterProjects(ctx context.Context, pkgs map[string]int64) map[string]int64 {
	if o.filters == nil {
		return pkgs
	}
	out := make(map[string]int64, len(pkgs))
	for name, serial := range pkgs {
		if o.filters.AllowProject(ctx, name) {
			out[name] = serial
		}
	}
	return out
}

// processPackage implements the per-package work described by spec.md
// §4.4: fetch metadata, apply filters, persist JSON, download release
// files, write the simple page, then shrink the todo list under lock.
func (o *Orchestrator) processPackage(
	ctx context.Context,
	name string,
	_ int64,
	targetSerial int64,
	packagesToSync map[string]int64,
	explicit bool,
) ([]string, error) {
	pkg, err := o.master.GetMetadata(ctx, name, o.cfg.MetadataAttempts)
	if err != nil {
		return nil, err
	}

	if o.filters != nil && !o.filters.AllowMetadata(ctx, pkg) {
		return nil, nil
	}

	if err := o.writer.SaveJSONMetadata(ctx, pkg); err != nil {
		return nil, fmt.Errorf("saving json metadata for %s: %w", name, err)
	}

	o.applyReleaseFilters(ctx, pkg)

	added, syncErr := o.syncer.SyncReleaseFiles(ctx, pkg)
	if syncErr != nil {
		return added, fmt.Errorf("syncing release files for %s: %w", name, syncErr)
	}

	if err := o.writer.WriteSimplePage(ctx, pkg); err != nil {
		return added, fmt.Errorf("writing simple page for %s: %w", name, err)
	}

	if !explicit {
		o.finishLock.Lock()
		delete(packagesToSync, name)
		remaining := make(map[string]int64, len(packagesToSync))
		for k, v := range packagesToSync {
			remaining[k] = v
		}
		todoErr := o.state.WriteTodo(ctx, targetSerial, remaining)
		o.finishLock.Unlock()
		if todoErr != nil {
			return added, fmt.Errorf("writing todo after %s: %w", name, todoErr)
		}
	}

	o.writer.CleanupNonPEP503Paths(ctx, pkg)

	return added, nil
}

func (o *Orchestrator) applyReleaseFilters(ctx context.Context, pkg *model.Package) {
	if o.filters == nil {
		return
	}
	for version, files := range pkg.Releases {
		if !o.filters.AllowRelease(ctx, pkg, version) {
			delete(pkg.Releases, version)
			continue
		}
		kept := files[:0]
		for _, f := range files {
			if o.filters.AllowReleaseFile(ctx, pkg, version, f) {
				kept = append(kept, f)
			}
		}
		pkg.Releases[version] = kept
	}
}

// finalize advances the synced serial once every package in the run
// succeeded. On any error it leaves the serial and todo untouched, so
// the next run resumes from where this one left off.
func (o *Orchestrator) finalize(ctx context.Context, hadErrors bool, targetSerial int64, runStarted time.Time) error {
	if hadErrors {
		return nil
	}

	if err := o.state.ClearTodo(ctx); err != nil {
		return fmt.Errorf("clearing todo: %w", err)
	}

	if err := o.writer.WriteLastModified(ctx, runStarted); err != nil {
		return fmt.Errorf("writing last-modified: %w", err)
	}

	if err := o.state.WriteSerial(ctx, targetSerial); err != nil {
		return fmt.Errorf("writing serial: %w", err)
	}

	return nil
}
