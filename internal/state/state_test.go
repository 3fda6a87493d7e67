package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petroprotsakh/mirror-sync/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return New(backend)
}

func TestReadSerial_ColdStart(t *testing.T) {
	s := newTestStore(t)
	serial, err := s.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 0 {
		t.Errorf("ReadSerial = %d, want 0", serial)
	}
}

func TestWriteSerial_ThenReadSerial(t *testing.T) {
	s := newTestStore(t)
	// A missing generation file forces a reset, so let the first read
	// create it before the serial is written.
	if _, err := s.ReadSerial(context.Background()); err != nil {
		t.Fatalf("initial ReadSerial: %v", err)
	}
	if err := s.WriteSerial(context.Background(), 42); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}
	serial, err := s.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 42 {
		t.Errorf("ReadSerial = %d, want 42", serial)
	}
}

func TestReadSerial_MigratesOldGeneration(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	sink, err := backend.Rewrite(context.Background(), generationFile)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	_, _ = sink.Write([]byte("3"))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s := New(backend)
	serial, err := s.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 0 {
		t.Errorf("ReadSerial = %d, want 0 (migration forces a full resync)", serial)
	}

	generation, migrated, err := s.readGeneration()
	if err != nil {
		t.Fatalf("readGeneration: %v", err)
	}
	if migrated {
		t.Errorf("readGeneration reported migrated again on second read")
	}
	if generation != currentGeneration {
		t.Errorf("generation = %d, want %d after migration", generation, currentGeneration)
	}
}

func TestReadSerial_MigrationUnlinksStatusAndTodo(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	s := New(backend)

	if err := s.WriteSerial(context.Background(), 42); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}
	if err := s.WriteTodo(context.Background(), 50, map[string]int64{"alpha": 1}); err != nil {
		t.Fatalf("WriteTodo: %v", err)
	}

	sink, err := backend.Rewrite(context.Background(), generationFile)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	_, _ = sink.Write([]byte("4"))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	serial, err := s.ReadSerial(context.Background())
	if err != nil {
		t.Fatalf("ReadSerial: %v", err)
	}
	if serial != 0 {
		t.Errorf("ReadSerial = %d, want 0 after generation migration", serial)
	}

	if _, _, ok, err := s.LoadTodo(context.Background()); err != nil || ok {
		t.Errorf("LoadTodo after migration: ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestReadSerial_UnknownGenerationFails(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	sink, err := backend.Rewrite(context.Background(), generationFile)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	_, _ = sink.Write([]byte("99"))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s := New(backend)
	_, err = s.ReadSerial(context.Background())
	if !errors.Is(err, ErrUnknownGeneration) {
		t.Fatalf("expected ErrUnknownGeneration, got %v", err)
	}
}

func TestWriteTodo_ThenLoadTodo(t *testing.T) {
	s := newTestStore(t)
	pkgs := map[string]int64{"alpha": 1, "beta": 2}

	if err := s.WriteTodo(context.Background(), 10, pkgs); err != nil {
		t.Fatalf("WriteTodo: %v", err)
	}

	target, got, ok, err := s.LoadTodo(context.Background())
	if err != nil {
		t.Fatalf("LoadTodo: %v", err)
	}
	if !ok {
		t.Fatal("expected todo to be present")
	}
	if target != 10 {
		t.Errorf("target = %d, want 10", target)
	}
	if len(got) != 2 || got["alpha"] != 1 || got["beta"] != 2 {
		t.Errorf("unexpected packages: %+v", got)
	}
}

func TestLoadTodo_Malformed_IsDroppedNotRepaired(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	sink, err := backend.Rewrite(context.Background(), todoFile)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	_, _ = sink.Write([]byte("10\nalpha not-a-number"))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s := New(backend)
	_, _, ok, err := s.LoadTodo(context.Background())
	if err != nil {
		t.Fatalf("LoadTodo: %v", err)
	}
	if ok {
		t.Fatal("expected malformed todo to report ok=false")
	}
	if backend.Exists("todo") {
		t.Error("expected malformed todo file to be removed, not repaired")
	}
}

func TestClearTodo(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteTodo(context.Background(), 1, nil); err != nil {
		t.Fatalf("WriteTodo: %v", err)
	}
	if err := s.ClearTodo(context.Background()); err != nil {
		t.Fatalf("ClearTodo: %v", err)
	}
	_, _, ok, err := s.LoadTodo(context.Background())
	if err != nil {
		t.Fatalf("LoadTodo: %v", err)
	}
	if ok {
		t.Error("expected no todo after ClearTodo")
	}
}

func TestAcquireLock_SerializesAgainstSelf(t *testing.T) {
	s := newTestStore(t)
	release, err := s.AcquireLock(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer release()

	_, err = s.AcquireLock(context.Background(), 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected second AcquireLock to fail while first is held")
	}
}
