package store

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Bootstrap creates the engine's system tables if they don't exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	// SQLite drivers execute one statement per call.
	for _, stmt := range strings.Split(s.Dialect.SystemTablesSQL(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	log.Println("System tables bootstrapped")
	return nil
}
