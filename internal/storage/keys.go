package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yield-guard/internal/custody"
)

const (
	upsertSigningKeySQL = `INSERT INTO signing_keys (
        owner,
        ciphertext,
        iv,
        auth_tag,
        valid_until,
        spend_limit,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (owner) DO UPDATE
    SET
        ciphertext  = EXCLUDED.ciphertext,
        iv          = EXCLUDED.iv,
        auth_tag    = EXCLUDED.auth_tag,
        valid_until = EXCLUDED.valid_until,
        spend_limit = EXCLUDED.spend_limit;`

	deleteSigningKeySQL = `DELETE FROM signing_keys WHERE owner = $1;`

	listSigningKeysSQL = `SELECT
        owner,
        ciphertext,
        iv,
        auth_tag,
        valid_until,
        spend_limit,
        created_at
    FROM signing_keys
    ORDER BY created_at;`
)

var _ custody.Store = (*Store)(nil)

// SaveSigningKey persists an encrypted session key envelope.
func (s *Store) SaveSigningKey(ctx context.Context, key custody.EncryptedKey) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertSigningKeySQL,
		ownerKey(key.Owner),
		key.Ciphertext,
		key.IV,
		key.AuthTag,
		key.ValidUntil.UTC(),
		key.SpendLimit.Dec(),
		key.CreatedAt.UTC(),
	); execErr != nil {
		return fmt.Errorf("upsert signing key: %w", execErr)
	}
	return nil
}

// DeleteSigningKey removes a key envelope.
func (s *Store) DeleteSigningKey(ctx context.Context, owner common.Address) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSigningKeySQL, ownerKey(owner)); execErr != nil {
		return fmt.Errorf("delete signing key: %w", execErr)
	}
	return nil
}

// ListSigningKeys loads all envelopes, oldest first.
func (s *Store) ListSigningKeys(ctx context.Context) ([]custody.EncryptedKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSigningKeysSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list signing keys: %w", queryErr)
	}
	defer rows.Close()

	keys := make([]custody.EncryptedKey, 0)
	for rows.Next() {
		var (
			owner      string
			limitStr   string
			validUntil time.Time
			createdAt  time.Time
			key        custody.EncryptedKey
		)
		if err := rows.Scan(
			&owner,
			&key.Ciphertext,
			&key.IV,
			&key.AuthTag,
			&validUntil,
			&limitStr,
			&createdAt,
		); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(owner) {
			return nil, fmt.Errorf("signing key owner %q is not an address", owner)
		}
		limit, err := uint256.FromDecimal(limitStr)
		if err != nil {
			return nil, fmt.Errorf("parse spend limit: %w", err)
		}
		key.Owner = common.HexToAddress(owner)
		key.SpendLimit = *limit
		key.ValidUntil = validUntil.UTC()
		key.CreatedAt = createdAt.UTC()
		keys = append(keys, key)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return keys, nil
}

func ownerKey(owner common.Address) string {
	return strings.ToLower(owner.Hex())
}
