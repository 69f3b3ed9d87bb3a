package storage

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaLockKey serialises concurrent EnsureSchema calls across replicas.
const schemaLockKey int64 = 20504

const (
	advisoryLockSQL   = `SELECT pg_advisory_lock($1);`
	advisoryUnlockSQL = `SELECT pg_advisory_unlock($1);`
)

// EnsureSchema creates the tables the agent needs when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) (err error) {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, advisoryLockSQL, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		if _, unlockErr := pool.Exec(ctx, advisoryUnlockSQL, schemaLockKey); unlockErr != nil && err == nil {
			err = fmt.Errorf("release schema lock: %w", unlockErr)
		}
	}()

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
