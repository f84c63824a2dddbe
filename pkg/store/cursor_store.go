// Package store holds the orchestrator's two persistence concerns: the
// ledger poll cursor (the only state spec.md §6 requires surviving a
// restart) and the off-ledger audit trail of pipeline events.
package store

import (
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/aidchain/orchestrator/pkg/ledger"
)

var cursorKey = []byte("ledger_poll_cursor")

// CursorStore persists the last-processed ledger block in an embedded
// goleveldb database. cometbft-db is the teacher's own embedded-KV
// dependency (used there for validator/ABCI state); here it is
// repurposed for a single 8-byte value, which is the entirety of what
// this orchestrator must survive a restart with.
type CursorStore struct {
	db dbm.DB
}

// NewCursorStore opens (or creates) a goleveldb database rooted at dir.
func NewCursorStore(dir string) (*CursorStore, error) {
	db, err := dbm.NewGoLevelDB("cursor", dir)
	if err != nil {
		return nil, fmt.Errorf("store: open cursor db: %w", err)
	}
	return &CursorStore{db: db}, nil
}

// LoadCursor implements ledger.CursorStore.
func (s *CursorStore) LoadCursor() (uint64, error) {
	raw, err := s.db.Get(cursorKey)
	if err != nil {
		return 0, fmt.Errorf("store: load cursor: %w", err)
	}
	if raw == nil {
		return 0, ledger.ErrCursorNotFound
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SaveCursor implements ledger.CursorStore.
func (s *CursorStore) SaveCursor(height uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	if err := s.db.Set(cursorKey, buf); err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *CursorStore) Close() error { return s.db.Close() }

var _ ledger.CursorStore = (*CursorStore)(nil)
