package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/syftflow/syftflow/pkg/persistence"
	"github.com/syftflow/syftflow/pkg/persistence/file"
	"github.com/syftflow/syftflow/pkg/persistence/postgresql"
)

// NewPersistence creates a persistence layer from a database URL. A
// postgres:// URL selects PostgreSQL; anything else is treated as a
// directory path for the file driver.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}
