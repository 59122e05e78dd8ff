package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aspect-build/pqattest/internal/policy"
)

// PutPolicy validates p and stores it as YAML, replacing any policy with
// the same name.
func (s *Store) PutPolicy(ctx context.Context, p *policy.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	doc, err := policy.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (name, document) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			document = excluded.document,
			updated_at = CURRENT_TIMESTAMP`,
		p.Name, string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// Policy returns the named policy. An empty name selects the default
// policy, which is built in unless a stored document overrides it.
func (s *Store) Policy(ctx context.Context, name string) (*policy.Policy, error) {
	if name == "" {
		name = policy.DefaultName
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM policies WHERE name = ?`, name).Scan(&doc)
	if err == sql.ErrNoRows {
		if name == policy.DefaultName {
			return policy.Default(), nil
		}
		return nil, fmt.Errorf("%w: %s", policy.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	p, err := policy.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("stored policy %s: %w", name, err)
	}
	return p, nil
}

// ListPolicies returns the stored policy documents ordered by name.
func (s *Store) ListPolicies(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, document, updated_at FROM policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []PolicyRecord
	for rows.Next() {
		var p PolicyRecord
		if err := rows.Scan(&p.Name, &p.Document, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedPolicies stores every policy that is not already present.
func (s *Store) SeedPolicies(ctx context.Context, policies []*policy.Policy) (int, error) {
	n := 0
	for _, p := range policies {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM policies WHERE name = ?`, p.Name).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return n, fmt.Errorf("check policy %s: %w", p.Name, err)
		}
		if err := s.PutPolicy(ctx, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
