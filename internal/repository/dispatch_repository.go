package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// DispatchRepository persists one row per recipient outcome so provider callbacks can
// be correlated back to a campaign. Writes that move counters run in one transaction
// with the campaigns update.
type DispatchRepository struct {
	DB *sql.DB
}

const dispatchColumns = `id, campaign_id, position, phone, provider_message_id, status, error_code, responded, created_at, updated_at`

// Record inserts a dispatch row, sets its ID on rec and applies d to the campaign.
func (r *DispatchRepository) Record(ctx context.Context, rec *model.DispatchRecord, d StatsDelta) (model.Stats, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Stats{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
        INSERT INTO campaign_dispatches
        (campaign_id, position, phone, provider_message_id, status, error_code, responded, created_at, updated_at)
        VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
        ON CONFLICT (campaign_id, position) DO NOTHING
        RETURNING id
    `
	err = tx.QueryRowContext(ctx, query,
		rec.CampaignID,
		rec.Position,
		rec.Phone,
		rec.ProviderMessageID,
		rec.Status,
		rec.ErrorCode,
		rec.Responded,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stats{}, fmt.Errorf("%w: campaign %s position %d", ErrAlreadyRecorded, rec.CampaignID, rec.Position)
	}
	if err != nil {
		return model.Stats{}, err
	}

	stats, err := incrementStats(ctx, tx, rec.CampaignID, d)
	if err != nil {
		return stats, err
	}
	return stats, tx.Commit()
}

func (r *DispatchRepository) Recorded(ctx context.Context, campaignID string, from, to int) (map[int]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT position FROM campaign_dispatches WHERE campaign_id=$1 AND position >= $2 AND position < $3`,
		campaignID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			return nil, err
		}
		out[pos] = true
	}
	return out, rows.Err()
}

// GetByProviderID returns nil, nil when nothing matches.
func (r *DispatchRepository) GetByProviderID(ctx context.Context, providerID string) (*model.DispatchRecord, error) {
	return getByProviderID(ctx, r.DB, providerID)
}

func (r *DispatchRepository) MarkFinal(ctx context.Context, providerID string, status model.DispatchStatus, errorCode string, d StatsDelta) (*model.DispatchRecord, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
        UPDATE campaign_dispatches
        SET status=$1, error_code=$2, updated_at=NOW()
        WHERE provider_message_id=$3 AND status='sent'
        RETURNING ` + dispatchColumns
	rec, err := scanDispatch(tx.QueryRowContext(ctx, query, status, errorCode, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		rec, err = getByProviderID(ctx, tx, providerID)
		return rec, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := incrementStats(ctx, tx, rec.CampaignID, d); err != nil {
		return nil, false, err
	}
	return rec, true, tx.Commit()
}

func (r *DispatchRepository) MarkResponded(ctx context.Context, phone string, d StatsDelta) (*model.DispatchRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
        UPDATE campaign_dispatches
        SET responded=TRUE, updated_at=NOW()
        WHERE id = (
            SELECT id FROM campaign_dispatches
            WHERE phone=$1 AND responded=FALSE AND status IN ('sent', 'delivered')
            ORDER BY created_at DESC, id DESC
            LIMIT 1
        )
        RETURNING ` + dispatchColumns
	rec, err := scanDispatch(tx.QueryRowContext(ctx, query, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := incrementStats(ctx, tx, rec.CampaignID, d); err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

func getByProviderID(ctx context.Context, q queryRower, providerID string) (*model.DispatchRecord, error) {
	query := `SELECT ` + dispatchColumns + ` FROM campaign_dispatches WHERE provider_message_id=$1`
	rec, err := scanDispatch(q.QueryRowContext(ctx, query, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanDispatch(row rowScanner) (*model.DispatchRecord, error) {
	var (
		rec        model.DispatchRecord
		providerID sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.CampaignID, &rec.Position, &rec.Phone, &providerID, &rec.Status,
		&rec.ErrorCode, &rec.Responded, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.ProviderMessageID = providerID.String
	return &rec, nil
}

var _ DispatchStore = (*DispatchRepository)(nil)
