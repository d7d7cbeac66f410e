package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/dagstate/internal/stateerr"
)

// PutNode inserts an encoded node.
// Uses ON CONFLICT(hash) DO NOTHING: content addressing makes a duplicate
// write identical to the stored row.
func (s *Store) PutNode(ctx context.Context, hash string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (hash, data) VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, data)
	if err != nil {
		return fmt.Errorf("put node: %w", err)
	}
	return nil
}

// PutCommit inserts an encoded commit. Idempotent like PutNode.
func (s *Store) PutCommit(ctx context.Context, hash string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (hash, data) VALUES (?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, data)
	if err != nil {
		return fmt.Errorf("put commit: %w", err)
	}
	return nil
}

// PutImport records an imported root. Idempotent like PutNode.
func (s *Store) PutImport(ctx context.Context, contextID, root string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO imports (context, root) VALUES (?, ?)
		ON CONFLICT(context, root) DO NOTHING
	`, contextID, root)
	if err != nil {
		return fmt.Errorf("put import: %w", err)
	}
	return nil
}

// maxDeleteBatch keeps DELETE ... IN (...) under SQLite's variable limit.
const maxDeleteBatch = 500

// DeleteNodes removes nodes in batches inside one transaction.
func (s *Store) DeleteNodes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(hashes); start += maxDeleteBatch {
		batch := hashes[start:min(start+maxDeleteBatch, len(hashes))]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, h := range batch {
			args[i] = h
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE hash IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

// CompareAndSwapRef swaps a ref inside a transaction. The conditional
// UPDATE (or INSERT for a new ref) is the serialization point: exactly one
// of several racing swaps from the same expected commit affects a row.
func (s *Store) CompareAndSwapRef(ctx context.Context, name, expected string, next Ref) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("swap ref: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expected == "" {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO refs (name, commit_hash, root_hash, generation)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING
		`, name, next.Commit, next.Root, next.Generation)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE refs SET commit_hash = ?, root_hash = ?, generation = ?
			WHERE name = ? AND commit_hash = ?
		`, next.Commit, next.Root, next.Generation, name, expected)
	}
	if err != nil {
		return fmt.Errorf("swap ref: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap ref: %w", err)
	}
	if n == 0 {
		var actual string
		err := tx.QueryRowContext(ctx, `SELECT commit_hash FROM refs WHERE name = ?`, name).Scan(&actual)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("swap ref: %w", err)
		}
		return stateerr.Conflict("store.CompareAndSwapRef", name, expected, actual)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("swap ref: %w", err)
	}
	return nil
}
