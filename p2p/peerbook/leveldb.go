package peerbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelKeyPrefix = "peer:"

// LevelDBStore persists records as JSON values under "peer:<id>".
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a LevelDB store at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("peerbook: leveldb path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb peer store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func levelKey(id string) []byte {
	return []byte(levelKeyPrefix + id)
}

func (s *LevelDBStore) Upsert(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode peer record: %w", err)
	}
	return s.db.Put(levelKey(rec.ID), data, nil)
}

func (s *LevelDBStore) Delete(id string) error {
	return s.db.Delete(levelKey(id), nil)
}

func (s *LevelDBStore) Scan(fn func(Record) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer record %q: %w", iter.Key(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Compact rewrites the peer key range.
func (s *LevelDBStore) Compact() error {
	return s.db.CompactRange(*util.BytesPrefix([]byte(levelKeyPrefix)))
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
