package db

import (
	"strings"

	"go.uber.org/zap"
)

// Store implements campaign.Store, worker.Store and the automation stores
// on one pool.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates the Postgres store
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("store"),
	}
}

// prefixed qualifies every column of a column list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
