// Package store provides the persistence layer of the chatflow scheduler.
//
// Every cross-process invariant lives here, in the database itself, not in
// application code: partial unique indexes keep at most one queued and one
// running run per conversation, conditional updates implement claim and
// optimistic-lock semantics, and per-conversation row locks serialize
// reconciliation with in-flight scheduling.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/chatflow/types"
)

// Dialect names a supported database backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// maxConflictRetries bounds optimistic insert-retry loops (sequence
// numbers, swipe positions). Exceeding it surfaces RETRIES_EXHAUSTED.
const maxConflictRetries = 5

// Store is the gorm-backed persistence layer.
type Store struct {
	db      *gorm.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open connects to the database named by dialect/dsn and returns a Store.
func Open(dialect Dialect, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch dialect {
	case DialectSQLite:
		dialector = sqlite.Open(dsn)
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return New(db, dialect, logger), nil
}

// New wraps an existing gorm handle. Callers that manage pooling through
// internal/database use this constructor.
func New(db *gorm.DB, dialect Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With(zap.String("component", "store")),
	}
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates the schema, including the partial unique
// indexes the run state machine depends on.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&types.Conversation{},
		&types.Participant{},
		&types.Message{},
		&types.Swipe{},
		&types.Round{},
		&types.RoundSlot{},
		&types.Run{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// =============================================================================
// Transaction helpers
// =============================================================================

// withConversation runs fn inside a transaction holding the conversation's
// exclusive section. On postgres this is a SELECT ... FOR UPDATE on the
// conversation row; sqlite rejects FOR UPDATE, and its single-writer lock
// already serializes the transaction.
func (s *Store) withConversation(ctx context.Context, convID string, fn func(tx *gorm.DB, conv *types.Conversation) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.dialect == DialectPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var conv types.Conversation
		if err := q.First(&conv, "id = ?", convID).Error; err != nil {
			return translateNotFound(err, "conversation %s", convID)
		}
		return fn(tx, &conv)
	})
}

// isUniqueViolation classifies a unique-constraint race. Gorm translates
// most of these to ErrDuplicatedKey; the string checks cover drivers that
// predate error translation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "sqlstate 23505") ||
		strings.Contains(msg, "constraint failed: unique")
}

// translateNotFound maps gorm.ErrRecordNotFound onto the typed catalog.
func translateNotFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Errorf(types.ErrNotFound, format, args...).WithCause(err)
	}
	return types.Errorf(types.ErrStore, format, args...).WithCause(err)
}
