package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

// CreatePrincipal stores an API key identity. keyHash is the SHA-256 hex of the key.
// Returns ErrDuplicate if a principal with this hash already exists.
func (s *Store) CreatePrincipal(ctx context.Context, name string, kind PrincipalKind, subjectID, keyHash string) (*Principal, error) {
	p := &Principal{
		ID:        ids.New(),
		KeyHash:   keyHash,
		Name:      name,
		Kind:      kind,
		SubjectID: subjectID,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO principals (id, key_hash, name, kind, subject_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.KeyHash, p.Name, string(p.Kind), p.SubjectID, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}
	return p, nil
}

// GetPrincipalByHash looks up the principal for an API key hash.
// Returns ErrNotFound if the hash doesn't exist.
func (s *Store) GetPrincipalByHash(ctx context.Context, keyHash string) (*Principal, error) {
	var (
		p    Principal
		kind string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, key_hash, name, kind, subject_id, created_at
		FROM principals WHERE key_hash = ?`), keyHash).
		Scan(&p.ID, &p.KeyHash, &p.Name, &kind, &p.SubjectID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get principal by hash: %w", err)
	}
	p.Kind = PrincipalKind(kind)
	return &p, nil
}

// ListPrincipals returns all principals, oldest first.
func (s *Store) ListPrincipals(ctx context.Context) ([]*Principal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key_hash, name, kind, subject_id, created_at
		FROM principals ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query principals: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []*Principal{}
	for rows.Next() {
		var (
			p    Principal
			kind string
		)
		if err := rows.Scan(&p.ID, &p.KeyHash, &p.Name, &kind, &p.SubjectID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		p.Kind = PrincipalKind(kind)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating principals: %w", err)
	}
	return out, nil
}

// DeletePrincipal removes a principal by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM principals WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete principal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasAdminPrincipal reports whether at least one admin principal exists.
func (s *Store) HasAdminPrincipal(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM principals WHERE kind = ?`),
		string(PrincipalAdmin)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count admin principals: %w", err)
	}
	return n > 0, nil
}
