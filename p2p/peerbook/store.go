package peerbook

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Record is the persisted form of a peer book entry. Ban state is not
// persisted; a restarted node forgives everyone.
type Record struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Store persists peer records keyed by id.
type Store interface {
	// Upsert inserts or replaces the record for rec.ID.
	Upsert(rec Record) error
	// Delete removes the record for id. Deleting an unknown id is not an error.
	Delete(id string) error
	// Scan calls fn for every stored record.
	Scan(fn func(Record) error) error
	// Compact reclaims space freed by deletes.
	Compact() error
	Close() error
}

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverLevelDB  = "leveldb"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("peerbook: unknown store driver")

// Open constructs the store named by driver. For the file backed drivers dsn
// is a path; for postgres it is a connection string.
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverLevelDB:
		return OpenLevelDB(dsn)
	case DriverBolt:
		return OpenBolt(dsn)
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(dsn)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// MemoryStore keeps records in process memory. It is used when persistence
// is disabled.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Upsert(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Scan(fn func(Record) error) error {
	m.mu.Lock()
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.Unlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Compact() error { return nil }

func (m *MemoryStore) Close() error { return nil }
