// Package syncer downloads and verifies a package's release files (C6).
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/master"
	"github.com/petroprotsakh/mirror-sync/internal/model"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
	"github.com/petroprotsakh/mirror-sync/internal/writer"
)

// ErrChecksumMismatch is raised when a downloaded file's sha256 does not
// match the digest upstream advertised for it.
var ErrChecksumMismatch = errors.New("syncer: checksum mismatch")

const chunkSize = 64 * 1024

// Config configures the syncer's download behavior.
type Config struct {
	ShowProgress bool
}

// Syncer downloads a package's release files, verifying each against its
// advertised sha256 digest.
type Syncer struct {
	backend storage.Storage
	master  master.Master
	writer  *writer.Writer
	cfg     Config
	log     *logging.Logger
}

// New returns a Syncer backed by backend and master, writing local paths
// through w's URL-to-path resolution.
func New(backend storage.Storage, m master.Master, w *writer.Writer, cfg Config) *Syncer {
	return &Syncer{backend: backend, master: m, writer: w, cfg: cfg, log: logging.Default()}
}

// SyncReleaseFiles downloads every release file of pkg not already present
// with a matching digest, returning the paths (relative to the storage
// home) of files it actually wrote.
//
// BUG: preserved from the original implementation — a single already-
// present file with a matching hash short-circuits the whole package's
// file loop and returns immediately, skipping any files after it that
// have not yet been downloaded. Kept intentionally, not fixed.
func (s *Syncer) SyncReleaseFiles(ctx context.Context, pkg *model.Package) (added []string, err error) {
	var progress *mpb.Progress
	if s.cfg.ShowProgress {
		progress = mpb.NewWithContext(ctx, mpb.WithWidth(60), mpb.WithRefreshRate(100*time.Millisecond))
		defer progress.Wait()
	}

	var deferredErr error

	for _, f := range pkg.ReleaseFiles() {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		localPath, err := s.writer.LocalPathForURL(f.URL)
		if err != nil {
			return added, err
		}

		if s.backend.Exists(localPath) {
			matches, hashErr := s.hashMatches(localPath, f)
			if hashErr != nil {
				if deferredErr == nil {
					deferredErr = hashErr
				}
				s.log.Error("hashing existing file failed", "path", localPath, "error", hashErr)
				continue
			}
			if matches {
				return added, nil
			}
			if err := s.backend.Unlink(localPath); err != nil {
				if deferredErr == nil {
					deferredErr = fmt.Errorf("unlinking stale file %s: %w", localPath, err)
				}
				continue
			}
		}

		if err := s.downloadFile(ctx, f, localPath, progress); err != nil {
			s.log.Error("downloading release file failed", "file", f.Filename, "error", err)
			if deferredErr == nil {
				deferredErr = err
			}
			continue
		}

		added = append(added, localPath)
	}

	return added, deferredErr
}

func (s *Syncer) hashMatches(localPath string, f model.ReleaseFile) (bool, error) {
	expected, ok := f.Digests["sha256"]
	if !ok {
		return false, nil
	}
	actual, err := s.backend.GetHash(localPath)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

func (s *Syncer) downloadFile(ctx context.Context, f model.ReleaseFile, localPath string, progress *mpb.Progress) error {
	body, err := s.master.Stream(ctx, f.URL)
	if err != nil {
		return fmt.Errorf("streaming %s: %w", f.URL, err)
	}
	defer body.Close() //nolint:errcheck

	sink, err := s.backend.Rewrite(ctx, localPath)
	if err != nil {
		return fmt.Errorf("opening %s for write: %w", localPath, err)
	}

	var reader io.Reader = body
	var bar *mpb.Bar
	if progress != nil {
		size := f.Size
		if size <= 0 {
			size = 1
		}
		name := f.Filename
		if len(name) > 35 {
			name = name[:32] + "..."
		}
		bar = progress.AddBar(
			size,
			mpb.PrependDecorators(decor.Name(name, decor.WCSyncSpaceR)),
			mpb.AppendDecorators(decor.CountersKibiByte("% .1f / % .1f")),
			mpb.BarRemoveOnComplete(),
		)
		reader = bar.ProxyReader(body)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(sink, h), reader, buf); err != nil {
		if bar != nil {
			bar.Abort(true)
		}
		_ = sink.Discard()
		return fmt.Errorf("writing %s: %w", localPath, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	expected := f.Digests["sha256"]
	if expected != "" && actual != expected {
		if bar != nil {
			bar.Abort(true)
		}
		_ = sink.Discard()
		return fmt.Errorf("%w: %s expected %s, got %s", ErrChecksumMismatch, f.Filename, expected, actual)
	}

	if err := sink.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", localPath, err)
	}

	return nil
}
