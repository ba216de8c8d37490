// Package checkpoint is a process-local accelerator for the chain
// reconciler: it remembers the last processed height and the last
// observed rule-set hash in an embedded goleveldb database so a restart
// doesn't have to replay height bookkeeping against the document store
// before resuming backfill. It is never the system of record — the
// `blocks`/`mining_notify`/`pools` collections are.
package checkpoint

import (
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
)

var (
	keyLastHeight  = []byte("last_processed_height")
	keyRuleSetHash = []byte("rule_set_hash")
)

// Store wraps a small on-disk goleveldb database.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastHeight returns the last height the reconciler finished processing,
// and whether a checkpoint has ever been written.
func (s *Store) LastHeight() (int64, bool, error) {
	v, err := s.db.Get(keyLastHeight, nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

// SetLastHeight records height as the processing high-water mark. Writes
// below the stored height are ignored: backfill walks top-down, so the
// checkpoint must keep the highest height seen, not the most recent one.
func (s *Store) SetLastHeight(height int64) error {
	if stored, ok, err := s.LastHeight(); err == nil && ok && stored >= height {
		return nil
	}
	return s.db.Put(keyLastHeight, []byte(strconv.FormatInt(height, 10)), nil)
}

// RuleSetHash returns the rule-set hash last observed by the reconciler,
// used to detect a change worth triggering a reindex for even across a
// restart.
func (s *Store) RuleSetHash() (string, bool, error) {
	v, err := s.db.Get(keyRuleSetHash, nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// SetRuleSetHash records the rule-set hash the reconciler last reindexed
// against.
func (s *Store) SetRuleSetHash(hash string) error {
	return s.db.Put(keyRuleSetHash, []byte(hash), nil)
}
