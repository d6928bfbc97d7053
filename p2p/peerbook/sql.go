package peerbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type peerRow struct {
	ID        string `gorm:"primaryKey;size:255"`
	Addr      string `gorm:"not null"`
	UpdatedAt time.Time
}

func (peerRow) TableName() string { return "peers" }

// SQLStore persists records in a relational table through gorm.
type SQLStore struct {
	db      *gorm.DB
	dialect string
}

// OpenSQLite opens a pure-Go SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("peerbook: sqlite path required")
	}
	return openSQL(sqlite.Open(path), DriverSQLite)
}

// OpenPostgres connects to a Postgres database using dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("peerbook: postgres dsn required")
	}
	return openSQL(postgres.Open(dsn), DriverPostgres)
}

func openSQL(dialector gorm.Dialector, dialect string) (*SQLStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s peer store: %w", dialect, err)
	}
	if err := db.AutoMigrate(&peerRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s peer store: %w", dialect, err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Upsert(rec Record) error {
	row := peerRow{ID: rec.ID, Addr: rec.Addr, UpdatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"addr", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLStore) Delete(id string) error {
	return s.db.Where("id = ?", id).Delete(&peerRow{}).Error
}

func (s *SQLStore) Scan(fn func(Record) error) error {
	var rows []peerRow
	if err := s.db.Order("id").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(Record{ID: row.ID, Addr: row.Addr}); err != nil {
			return err
		}
	}
	return nil
}

// Compact runs VACUUM on the backing database.
func (s *SQLStore) Compact() error {
	return s.db.Exec("VACUUM").Error
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
