// Package state persists the set of mailbox UIDs that have already been
// forwarded to the gateway. It is the sole source of truth for "already
// seen" across restarts: a message is forwarded exactly when its UID is
// missing from the stored set.
//
// Two backends are provided. [FileStore] keeps a small JSON document and
// replaces it atomically on every save. [SQLiteStore] keeps the same data
// in a SQLite database and replaces it inside a single transaction.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ErrCorrupt is returned by Load when persisted state exists but cannot
// be parsed. It is fatal: resetting to an empty state would re-baseline
// or re-flood the gateway, so an operator has to intervene.
var ErrCorrupt = errors.New("state storage corrupt")

// Store loads and saves [KnownState]. Implementations assume a single
// writer.
type Store interface {
	// Load returns the persisted state, or an uninitialized state if
	// nothing has been saved yet.
	Load(ctx context.Context) (*KnownState, error)

	// Save persists st. A crash during Save leaves either the previous
	// state or the new state readable, never a partial write.
	Save(ctx context.Context, st *KnownState) error

	// Close releases any resources held by the store.
	Close() error
}

// Open returns the Store for the named backend ("file" or "sqlite").
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path, logger), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

// KnownState records which UIDs of one mailbox folder have been handled.
type KnownState struct {
	// Initialized is false until the first-run baseline has been taken.
	Initialized bool

	// Folder and UIDValidity identify the UID namespace the Seen set
	// belongs to. A change in either invalidates every stored UID.
	Folder      string
	UIDValidity uint32

	// Seen holds every UID that was baselined or successfully forwarded.
	Seen map[uint32]struct{}

	// UpdatedAt is the time of the last successful save.
	UpdatedAt time.Time
}

// New returns an empty, uninitialized state.
func New() *KnownState {
	return &KnownState{Seen: make(map[uint32]struct{})}
}

// Has reports whether uid has been seen.
func (s *KnownState) Has(uid uint32) bool {
	_, ok := s.Seen[uid]
	return ok
}

// Add marks the given UIDs as seen.
func (s *KnownState) Add(uids ...uint32) {
	if s.Seen == nil {
		s.Seen = make(map[uint32]struct{}, len(uids))
	}
	for _, uid := range uids {
		s.Seen[uid] = struct{}{}
	}
}

// Len returns the number of seen UIDs.
func (s *KnownState) Len() int {
	return len(s.Seen)
}

// UIDs returns the seen UIDs in ascending order.
func (s *KnownState) UIDs() []uint32 {
	uids := make([]uint32, 0, len(s.Seen))
	for uid := range s.Seen {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids
}

// Retain drops seen UIDs that are not in present and returns how many
// were dropped. UIDs are never reused within one UIDVALIDITY, so a UID
// that has left the folder cannot come back and does not need to be
// remembered.
func (s *KnownState) Retain(present []uint32) int {
	keep := make(map[uint32]struct{}, len(present))
	for _, uid := range present {
		keep[uid] = struct{}{}
	}
	dropped := 0
	for uid := range s.Seen {
		if _, ok := keep[uid]; !ok {
			delete(s.Seen, uid)
			dropped++
		}
	}
	return dropped
}

// Clone returns a deep copy of s.
func (s *KnownState) Clone() *KnownState {
	c := *s
	c.Seen = make(map[uint32]struct{}, len(s.Seen))
	for uid := range s.Seen {
		c.Seen[uid] = struct{}{}
	}
	return &c
}
