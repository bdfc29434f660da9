package repository

import (
	"context"
	"database/sql"
)

type OptOutRepository struct {
	DB *sql.DB
}

func (r *OptOutRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM opt_outs WHERE phone_number=$1)`, phone).Scan(&exists)
	return exists, err
}

// Add is idempotent; the first opt-out code for a number wins.
func (r *OptOutRepository) Add(ctx context.Context, phone, code string) error {
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO opt_outs (phone_number, opt_out_code, created_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (phone_number) DO NOTHING`, phone, code)
	return err
}

var _ OptOutStore = (*OptOutRepository)(nil)
