package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Product is a company product the governance engine can scope tasks to.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active | paused | killed
	RiskLevel string    `json:"risk_level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrProductNotFound = errors.New("product not found")

// UpsertProduct inserts or updates a product by id. created_at is preserved
// across re-upserts; every other field is overwritten.
func (s *Store) UpsertProduct(ctx context.Context, p Product) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO products (id, name, status, risk_level, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				risk_level = excluded.risk_level,
				updated_at = CURRENT_TIMESTAMP;
		`, p.ID, p.Name, p.Status, p.RiskLevel)
		if err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		return nil
	})
}

func scanProduct(row interface{ Scan(dest ...any) error }) (Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Product{}, err
	}
	return p, nil
}

// GetProduct fetches a single product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, risk_level, created_at, updated_at
		FROM products WHERE id = ?;
	`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}

// ProductUsable reports whether a product exists and is not killed; the
// engine consults this before allowing task creation against it.
func (s *Store) ProductUsable(ctx context.Context, id string) (bool, error) {
	p, err := s.GetProduct(ctx, id)
	if errors.Is(err, ErrProductNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status != "killed", nil
}

// ListProducts returns every product ordered by id.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, risk_level, created_at, updated_at
		FROM products ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
