// Package store provides the transactional relational Store (spec §4.2):
// begin/commit/rollback semantics over a pluggable SQL dialect, with every
// dynamic column reference validated against a fixed allow-list rather than
// spliced from caller input.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/lightning-goats/cl-hive-sub002/errs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CurrentSchemaVersion must be bumped whenever AllModels' shape changes in a
// way that is not purely additive.
const CurrentSchemaVersion = 1

// Store wraps a *gorm.DB with the transactional/CRUD contract components use.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, selecting the postgres dialect for a "postgres://"
// prefixed DSN and the pure-Go sqlite dialect otherwise (the common case: a
// local file path for a single coordination-core instance). It fails closed
// on a schema version mismatch rather than silently migrating live data.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	s := &Store{db: db}
	if err := s.migrateAndCheckSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateAndCheckSchema() error {
	var existing SchemaVersion
	err := s.db.First(&existing, 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.AutoMigrate(AllModels()...); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
		return s.db.Create(&SchemaVersion{ID: 1, Version: CurrentSchemaVersion}).Error
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case existing.Version != CurrentSchemaVersion:
		return fmt.Errorf("%w: store has version %d, binary expects %d",
			errs.SchemaMismatch, existing.Version, CurrentSchemaVersion)
	}
	return s.db.AutoMigrate(AllModels()...)
}

// Tx wraps fn in a transaction. Any non-nil return from fn rolls back.
func (s *Store) Tx(ctx context.Context, fn func(*Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.StoreBusy, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Tx is a single transactional handle passed into a Store.Tx callback.
type Tx struct {
	db *gorm.DB
}

func (t *Tx) DB() *gorm.DB { return t.db }

// allowedMemberColumns is the allow-list guarding dynamic member filters
// exposed over the operator RPC surface (e.g. "members --tier=member").
var allowedMemberColumns = map[string]string{
	"tier":        "tier",
	"banned":      "banned",
	"vouch_count": "vouch_count",
}

// ListMembersFiltered builds a safe WHERE clause from an allow-listed column
// name; unrecognized columns are rejected rather than string-spliced.
func (t *Tx) ListMembersFiltered(column string, value any) ([]Member, error) {
	safe, ok := allowedMemberColumns[column]
	if !ok {
		return nil, fmt.Errorf("store: column %q is not filterable", column)
	}
	var members []Member
	if err := t.db.Where(safe+" = ?", value).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	return members, nil
}
