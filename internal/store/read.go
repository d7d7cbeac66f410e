package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dagstate/internal/stateerr"
)

// GetNode returns the encoded node stored under hash.
func (s *Store) GetNode(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM nodes WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateerr.NotFound("store.GetNode", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return data, nil
}

// HasNode reports whether a node is stored under hash.
func (s *Store) HasNode(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM nodes WHERE hash = ?`, hash)
}

// NodeHashes returns all node hashes.
// ORDER BY hash COLLATE BINARY keeps sweeps deterministic.
func (s *Store) NodeHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM nodes ORDER BY hash COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return hashes, nil
}

// GetCommit returns the encoded commit stored under hash.
func (s *Store) GetCommit(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM commits WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stateerr.NotFound("store.GetCommit", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return data, nil
}

// HasCommit reports whether a commit is stored under hash.
func (s *Store) HasCommit(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM commits WHERE hash = ?`, hash)
}

// GetRef returns the named ref.
func (s *Store) GetRef(ctx context.Context, name string) (Ref, bool, error) {
	var ref Ref
	err := s.db.QueryRowContext(ctx, `
		SELECT commit_hash, root_hash, generation FROM refs WHERE name = ?
	`, name).Scan(&ref.Commit, &ref.Root, &ref.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("get ref: %w", err)
	}
	return ref, true, nil
}

// ListRefs returns all refs ordered by name.
func (s *Store) ListRefs(ctx context.Context) ([]NamedRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, commit_hash, root_hash, generation FROM refs
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()

	var refs []NamedRef
	for rows.Next() {
		var nr NamedRef
		if err := rows.Scan(&nr.Name, &nr.Ref.Commit, &nr.Ref.Root, &nr.Ref.Generation); err != nil {
			return nil, fmt.Errorf("list refs: %w", err)
		}
		refs = append(refs, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}

// Imports returns the roots a context imported.
func (s *Store) Imports(ctx context.Context, contextID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT root FROM imports WHERE context = ?
		ORDER BY root COLLATE BINARY ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("list imports: %w", err)
		}
		roots = append(roots, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	return roots, nil
}

func (s *Store) exists(ctx context.Context, query, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}
