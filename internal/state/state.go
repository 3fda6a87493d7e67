// Package state implements the mirror's durable serial/generation/todo
// bookkeeping (C4), the crash-safe record of how far a run has progressed.
package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/petroprotsakh/mirror-sync/internal/storage"
)

// currentGeneration is the on-disk format version. Earlier generations
// (2, 3, 4) are transparently migrated; anything else is fatal.
const currentGeneration = 5

// ErrUnknownGeneration is returned when the generation file holds a value
// this build does not know how to migrate.
var ErrUnknownGeneration = errors.New("state: unknown generation")

// Store is the on-disk mirror state: status, generation, todo and lock
// files, all rooted under a single home directory.
type Store struct {
	backend storage.Storage
}

// New returns a Store whose files live under backend's root.
func New(backend storage.Storage) *Store {
	return &Store{backend: backend}
}

const (
	statusFile     = "status"
	generationFile = "generation"
	todoFile       = "todo"
	lockFile       = ".lock"
)

// AcquireLock takes the exclusive run lock, returning a release function.
// Returns storage.ErrLockBusy if another run holds it past timeout.
func (s *Store) AcquireLock(_ context.Context, timeout time.Duration) (func(), error) {
	release, err := s.backend.GetLock(lockFile, timeout)
	if err != nil {
		return nil, err
	}
	return func() { _ = release() }, nil
}

// ReadSerial returns the last synced serial, migrating or resetting the
// generation file as needed. A migration forces a full resync (I3): the
// status and todo files are unlinked and 0 is returned, exactly as a
// generation bump in the original is meant to trigger. Absence of a
// status file reads as serial 0.
func (s *Store) ReadSerial(ctx context.Context) (int64, error) {
	generation, migrated, err := s.readGeneration()
	if err != nil {
		return 0, err
	}
	if migrated {
		if err := s.Reset(ctx); err != nil {
			return 0, fmt.Errorf("resetting after generation migration: %w", err)
		}
		return 0, nil
	}
	if generation != currentGeneration {
		return 0, fmt.Errorf("%w: %d", ErrUnknownGeneration, generation)
	}

	if !s.backend.Exists(statusFile) {
		return 0, nil
	}

	rc, err := s.backend.OpenFile(statusFile)
	if err != nil {
		return 0, fmt.Errorf("opening status file: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, fmt.Errorf("reading status file: %w", err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}

	serial, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, nil
	}
	return serial, nil
}

// readGeneration reads the generation file, rewriting it to the current
// generation whenever it is absent, unparseable, or one of the known
// migratable generations (2, 3, 4). migrated reports whether any of
// those rewrite cases applied, which ReadSerial uses to force a reset.
func (s *Store) readGeneration() (generation int, migrated bool, err error) {
	if !s.backend.Exists(generationFile) {
		if err := s.writeGeneration(currentGeneration); err != nil {
			return 0, false, err
		}
		return currentGeneration, true, nil
	}

	rc, err := s.backend.OpenFile(generationFile)
	if err != nil {
		return 0, false, fmt.Errorf("opening generation file: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, false, fmt.Errorf("reading generation file: %w", err)
	}

	generation, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		if err := s.writeGeneration(currentGeneration); err != nil {
			return 0, false, err
		}
		return currentGeneration, true, nil
	}

	if generation == 2 || generation == 3 || generation == 4 {
		if err := s.writeGeneration(currentGeneration); err != nil {
			return 0, false, err
		}
		return currentGeneration, true, nil
	}

	return generation, false, nil
}

func (s *Store) writeGeneration(generation int) error {
	sink, err := s.backend.Rewrite(context.Background(), generationFile)
	if err != nil {
		return fmt.Errorf("writing generation file: %w", err)
	}
	if _, err := sink.Write([]byte(strconv.Itoa(generation))); err != nil {
		return err
	}
	return sink.Close()
}

// WriteSerial atomically replaces the status file with serial.
func (s *Store) WriteSerial(ctx context.Context, serial int64) error {
	sink, err := s.backend.Rewrite(ctx, statusFile)
	if err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	if _, err := sink.Write([]byte(strconv.FormatInt(serial, 10))); err != nil {
		return err
	}
	return sink.Close()
}

// LoadTodo reads the todo file, if present. A malformed todo file is
// dropped rather than repaired (I4), and ok is reported false.
func (s *Store) LoadTodo(_ context.Context) (target int64, pkgs map[string]int64, ok bool, err error) {
	if !s.backend.Exists(todoFile) {
		return 0, nil, false, nil
	}

	rc, openErr := s.backend.OpenFile(todoFile)
	if openErr != nil {
		return 0, nil, false, fmt.Errorf("opening todo file: %w", openErr)
	}
	defer rc.Close() //nolint:errcheck

	sc := bufio.NewScanner(rc)
	if !sc.Scan() {
		_ = s.backend.Unlink(todoFile)
		return 0, nil, false, nil
	}

	target, parseErr := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 64)
	if parseErr != nil {
		_ = s.backend.Unlink(todoFile)
		return 0, nil, false, nil
	}

	pkgs = make(map[string]int64)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			_ = s.backend.Unlink(todoFile)
			return 0, nil, false, nil
		}
		serial, parseErr := strconv.ParseInt(fields[1], 10, 64)
		if parseErr != nil {
			_ = s.backend.Unlink(todoFile)
			return 0, nil, false, nil
		}
		pkgs[fields[0]] = serial
	}
	if err := sc.Err(); err != nil {
		_ = s.backend.Unlink(todoFile)
		return 0, nil, false, nil
	}

	return target, pkgs, true, nil
}

// WriteTodo atomically replaces the todo file: first line is the target
// serial, followed by one "name serial" line per pending package.
func (s *Store) WriteTodo(ctx context.Context, target int64, pkgs map[string]int64) error {
	sink, err := s.backend.Rewrite(ctx, todoFile)
	if err != nil {
		return fmt.Errorf("writing todo file: %w", err)
	}

	var b strings.Builder
	b.WriteString(strconv.FormatInt(target, 10))
	for name, serial := range pkgs {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(serial, 10))
	}

	if _, err := sink.Write([]byte(b.String())); err != nil {
		return err
	}
	return sink.Close()
}

// ClearTodo removes the todo file, marking the run as fully finalized.
func (s *Store) ClearTodo(_ context.Context) error {
	return s.backend.Unlink(todoFile)
}

// Reset deletes the status and todo files, forcing the next run to treat
// the mirror as a cold start. The generation file is left untouched.
func (s *Store) Reset(_ context.Context) error {
	if err := s.backend.Unlink(statusFile); err != nil {
		return err
	}
	return s.backend.Unlink(todoFile)
}
