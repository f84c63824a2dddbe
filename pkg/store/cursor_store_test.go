package store

import (
	"errors"
	"testing"

	"github.com/aidchain/orchestrator/pkg/ledger"
)

func TestLoadCursorNotFoundOnFreshStore(t *testing.T) {
	s, err := NewCursorStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCursorStore() error = %v", err)
	}
	defer s.Close()

	_, err = s.LoadCursor()
	if !errors.Is(err, ledger.ErrCursorNotFound) {
		t.Fatalf("LoadCursor() error = %v, want ledger.ErrCursorNotFound", err)
	}
}

func TestSaveThenLoadCursorRoundTrips(t *testing.T) {
	s, err := NewCursorStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCursorStore() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveCursor(123456); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	got, err := s.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor() error = %v", err)
	}
	if got != 123456 {
		t.Fatalf("LoadCursor() = %d, want 123456", got)
	}
}

func TestSaveCursorOverwritesPreviousValue(t *testing.T) {
	s, err := NewCursorStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCursorStore() error = %v", err)
	}
	defer s.Close()

	if err := s.SaveCursor(100); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	if err := s.SaveCursor(200); err != nil {
		t.Fatalf("SaveCursor() error = %v", err)
	}
	got, err := s.LoadCursor()
	if err != nil {
		t.Fatalf("LoadCursor() error = %v", err)
	}
	if got != 200 {
		t.Fatalf("LoadCursor() = %d, want 200 (latest write)", got)
	}
}
