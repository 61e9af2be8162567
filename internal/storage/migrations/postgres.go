package migrations

import (
	"context"
	"fmt"
	"strings"

	"solana-event-listener/internal/storage/postgres"
)

// RunPostgresMigrations applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("read embedded postgres migrations: %w", err)
	}

	for _, file := range files {
		if strings.TrimSpace(file.body) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, file.body); err != nil {
			return fmt.Errorf("apply migration %s: %w", file.name, err)
		}
	}

	return nil
}
