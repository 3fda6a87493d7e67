package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockBusy is returned by LocalBackend.GetLock when the lock could not
// be acquired within the requested timeout.
var ErrLockBusy = errors.New("storage: lock busy")

// LocalBackend is the Storage implementation backed by the host filesystem.
type LocalBackend struct {
	root string
}

// NewLocal returns a LocalBackend rooted at dir. dir is created if absent.
func NewLocal(dir string) (*LocalBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &LocalBackend{root: abs}, nil
}

func (b *LocalBackend) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(b.root, filepath.Clean("/"+p))
}

func (b *LocalBackend) Exists(p string) bool {
	_, err := os.Stat(b.Path(p))
	return err == nil
}

func (b *LocalBackend) IsDir(p string) bool {
	info, err := os.Stat(b.Path(p))
	return err == nil && info.IsDir()
}

func (b *LocalBackend) Iterdir(p string) ([]string, error) {
	entries, err := os.ReadDir(b.Path(p))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (b *LocalBackend) Unlink(p string) error {
	err := os.Remove(b.Path(p))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *LocalBackend) MkdirAll(p string) error {
	return os.MkdirAll(b.Path(p), 0o755)
}

func (b *LocalBackend) OpenFile(p string) (io.ReadCloser, error) {
	return os.Open(b.Path(p))
}

func (b *LocalBackend) Symlink(source, target string) error {
	targetPath := b.Path(target)
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing existing symlink %s: %w", target, err)
	}
	return os.Symlink(source, targetPath)
}

// rewriteSink writes to a sibling temp file and renames it onto the final
// path on Close, so readers never observe a partially written file.
type rewriteSink struct {
	tmp   *os.File
	final string
}

func (s *rewriteSink) Write(p []byte) (int, error) {
	return s.tmp.Write(p)
}

func (s *rewriteSink) Discard() error {
	s.tmp.Close() //nolint:errcheck
	return os.Remove(s.tmp.Name())
}

func (s *rewriteSink) Close() error {
	if err := s.tmp.Sync(); err != nil {
		s.tmp.Close() //nolint:errcheck
		os.Remove(s.tmp.Name()) //nolint:errcheck
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := s.tmp.Close(); err != nil {
		os.Remove(s.tmp.Name()) //nolint:errcheck
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(s.tmp.Name(), s.final); err != nil {
		os.Remove(s.tmp.Name()) //nolint:errcheck
		return fmt.Errorf("renaming temp file onto %s: %w", s.final, err)
	}
	return nil
}

func (b *LocalBackend) Rewrite(ctx context.Context, p string) (RewriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := b.Path(p)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &rewriteSink{tmp: tmp, final: final}, nil
}

func (b *LocalBackend) GetHash(p string) (string, error) {
	f, err := os.Open(b.Path(p))
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *LocalBackend) GetLock(p string, timeout time.Duration) (func() error, error) {
	lockPath := b.Path(p)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", p, err)
	}
	if !locked {
		return nil, ErrLockBusy
	}

	return fl.Unlock, nil
}
