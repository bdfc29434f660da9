package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, channel, status, content, recipients, total, sent, delivered, failed, responded,
        dispatch_cursor, version, started_at, completed_at, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (id, name, channel, status, content, recipients, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	_, err = r.DB.ExecContext(ctx, query, c.ID, c.Name, c.Channel, c.Status, c.Content, recipients, c.CreatedAt)
	return err
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) List(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ====================== Dispatch control ======================

func (r *CampaignRepository) GetStatusSnapshot(ctx context.Context, id string) (model.StatusSnapshot, error) {
	var snap model.StatusSnapshot
	err := r.DB.QueryRowContext(ctx, `SELECT status, version FROM campaigns WHERE id=$1`, id).Scan(&snap.Status, &snap.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, appErrors.NewCampaignNotFound(id)
		}
		return snap, err
	}
	return snap, nil
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []model.Status, to model.Status, opts TransitionOptions) (model.StatusSnapshot, error) {
	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var total sql.NullInt64
	if opts.Total != nil {
		total = sql.NullInt64{Int64: int64(*opts.Total), Valid: true}
	}
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	query := `
        UPDATE campaigns
        SET status=$1::text,
            version=version+1,
            updated_at=$2,
            started_at=CASE WHEN $1::text='running' THEN COALESCE(started_at, $2) ELSE started_at END,
            completed_at=CASE WHEN $1::text='completed' THEN COALESCE(completed_at, $2) ELSE completed_at END,
            total=COALESCE($3::int, total)
        WHERE id=$4 AND status = ANY($5)
        RETURNING status, version
    `
	var snap model.StatusSnapshot
	err := r.DB.QueryRowContext(ctx, query, string(to), at, total, id, pq.Array(fromStr)).Scan(&snap.Status, &snap.Version)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return snap, err
	}
	cur, err := r.GetStatusSnapshot(ctx, id)
	if err != nil {
		return cur, err
	}
	return cur, fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, cur.Status)
}

func (r *CampaignRepository) IncrementStats(ctx context.Context, id string, d StatsDelta) (model.Stats, error) {
	return incrementStats(ctx, r.DB, id, d)
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// incrementStats applies d unless it would push sent+failed above total.
func incrementStats(ctx context.Context, q queryRower, id string, d StatsDelta) (model.Stats, error) {
	query := `
        UPDATE campaigns
        SET sent=sent+$1, delivered=delivered+$2, failed=failed+$3, responded=responded+$4, updated_at=NOW()
        WHERE id=$5 AND sent+$1+failed+$3 <= total
        RETURNING total, sent, delivered, failed, responded
    `
	var s model.Stats
	err := q.QueryRowContext(ctx, query, d.Sent, d.Delivered, d.Failed, d.Responded, id).
		Scan(&s.Total, &s.Sent, &s.Delivered, &s.Failed, &s.Responded)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return s, err
	}
	var status model.Status
	err = q.QueryRowContext(ctx, `SELECT status, version FROM campaigns WHERE id=$1`, id).Scan(&status, new(int64))
	if errors.Is(err, sql.ErrNoRows) {
		return s, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return s, err
	}
	return s, fmt.Errorf("%w: campaign %s", ErrStatsOverflow, id)
}

func (r *CampaignRepository) AdvanceCursor(ctx context.Context, id string, cursor int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET dispatch_cursor=GREATEST(dispatch_cursor, $1), updated_at=NOW() WHERE id=$2`, cursor, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) UpdateRecipients(ctx context.Context, id string, recipients []model.Recipient) error {
	data, err := json.Marshal(recipients)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET recipients=$1, updated_at=NOW() WHERE id=$2 AND status='draft'`, data, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		snap, err := r.GetStatusSnapshot(ctx, id)
		if err != nil {
			return err
		}
		return appErrors.NewInvalidState(id, fmt.Sprintf("recipients are fixed once a campaign leaves draft (status %s)", snap.Status))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c          model.Campaign
		recipients []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Channel, &c.Status, &c.Content, &recipients,
		&c.Stats.Total, &c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Failed, &c.Stats.Responded,
		&c.Cursor, &c.Version, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignStore = (*CampaignRepository)(nil)
