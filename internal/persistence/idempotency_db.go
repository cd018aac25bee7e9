package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IsApplied is the tier-2 duplicate check: a tx hash present in
// applied_events was committed together with its ledger effects.
func (s *SQLStore) IsApplied(ctx context.Context, txHash string) (bool, error) {
	return isApplied(ctx, s.db, txHash)
}

func isApplied(ctx context.Context, q querier, txHash string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM applied_events WHERE tx_hash = $1 LIMIT 1`, txHash,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check applied %s: %w", txHash, err)
	}
	return true, nil
}

// RecentAppliedTxHashes returns up to limit of the most recently applied
// tx hashes, oldest first, for warming the in-memory dedup cache.
func (s *SQLStore) RecentAppliedTxHashes(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_hash FROM applied_events ORDER BY applied_at DESC, tx_hash DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent applied: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return hashes, nil
}
