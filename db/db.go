package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jobboard/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Storage - реализация Store поверх PostgreSQL
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// InTx выполняет fn в одной транзакции. Ошибка fn откатывает транзакцию.
func (s *Storage) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func duplicate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// Dealer (Дилер)

func (t *pgTx) CreateDealer(ctx context.Context, d *models.Dealer) error {
	query := `
        INSERT INTO dealer (id, name, trust_score, rating)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at`
	err := t.tx.QueryRowxContext(ctx, query, d.ID, d.Name, d.TrustScore, d.Rating).
		Scan(&d.CreatedAt)
	return duplicate(err)
}

func (t *pgTx) GetDealer(ctx context.Context, id int64) (*models.Dealer, error) {
	d := &models.Dealer{}
	query := `SELECT id, name, trust_score, rating, created_at FROM dealer WHERE id=$1`
	if err := t.tx.GetContext(ctx, d, query, id); err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// Job (Заказ)

const jobColumns = `id, job_number, title, description, work_details, amount, warranty_days,
        city, state, address, pincode, latitude, longitude, place_name, dealer_id,
        assigned_technician_id, customer_name, customer_phone, customer_email, status,
        payment_locked, payment_intent_id, payment_reference, created_at, updated_at,
        completed_at, cancelled_at`

func (t *pgTx) CreateJob(ctx context.Context, j *models.Job) error {
	query := `
        INSERT INTO job
            (job_number, title, description, work_details, amount, warranty_days,
             city, state, address, pincode, latitude, longitude, place_name, dealer_id,
             customer_name, customer_phone, customer_email, status, payment_locked)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
        RETURNING id, created_at, updated_at`
	err := t.tx.QueryRowxContext(ctx, query,
		j.JobNumber, j.Title, j.Description, j.WorkDetails, j.Amount, j.WarrantyDays,
		j.City, j.State, j.Address, j.Pincode, j.Latitude, j.Longitude, j.PlaceName, j.DealerID,
		j.CustomerName, j.CustomerPhone, j.CustomerEmail, j.Status, j.PaymentLocked).
		Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	return duplicate(err)
}

func (t *pgTx) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j := &models.Job{}
	query := `SELECT ` + jobColumns + ` FROM job WHERE id=$1`
	if err := t.tx.GetContext(ctx, j, query, id); err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// LockJob читает заказ с блокировкой строки до конца транзакции
func (t *pgTx) LockJob(ctx context.Context, id int64) (*models.Job, error) {
	j := &models.Job{}
	query := `SELECT ` + jobColumns + ` FROM job WHERE id=$1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, j, query, id); err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

func (t *pgTx) UpdateJob(ctx context.Context, j *models.Job) error {
	query := `
        UPDATE job
        SET amount=$1, assigned_technician_id=$2, status=$3, payment_locked=$4,
            payment_intent_id=$5, payment_reference=$6, completed_at=$7, cancelled_at=$8,
            updated_at=NOW()
        WHERE id=$9
        RETURNING updated_at`
	err := t.tx.QueryRowxContext(ctx, query,
		j.Amount, j.AssignedTechnicianID, j.Status, j.PaymentLocked,
		j.PaymentIntentID, j.PaymentReference, j.CompletedAt, j.CancelledAt, j.ID).
		Scan(&j.UpdatedAt)
	return notFound(err)
}

func (t *pgTx) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error) {
	query := `
        SELECT ` + jobColumns + `
        FROM job
        WHERE status = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`
	jobs := []models.Job{}
	if err := t.tx.SelectContext(ctx, &jobs, query, status, limit, offset); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Bid (Предложение)

func (t *pgTx) CreateBid(ctx context.Context, b *models.Bid) error {
	query := `
        INSERT INTO bid (job_id, technician_id, offered_price, message, status, round_number)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, created_at, updated_at`
	err := t.tx.QueryRowxContext(ctx, query,
		b.JobID, b.TechnicianID, b.OfferedPrice, b.Message, b.Status, b.RoundNumber).
		Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	return duplicate(err)
}

func (t *pgTx) GetBid(ctx context.Context, id int64) (*models.Bid, error) {
	b := &models.Bid{}
	query := `SELECT * FROM bid WHERE id=$1`
	if err := t.tx.GetContext(ctx, b, query, id); err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (t *pgTx) UpdateBid(ctx context.Context, b *models.Bid) error {
	query := `
        UPDATE bid
        SET status=$1, round_number=$2, updated_at=NOW()
        WHERE id=$3
        RETURNING updated_at`
	return notFound(t.tx.QueryRowxContext(ctx, query, b.Status, b.RoundNumber, b.ID).Scan(&b.UpdatedAt))
}

func (t *pgTx) ListBidsForJob(ctx context.Context, jobID int64) ([]models.Bid, error) {
	bids := []models.Bid{}
	query := `SELECT * FROM bid WHERE job_id=$1 ORDER BY created_at ASC, id ASC`
	if err := t.tx.SelectContext(ctx, &bids, query, jobID); err != nil {
		return nil, err
	}
	return bids, nil
}

func (t *pgTx) FindActiveBid(ctx context.Context, jobID, technicianID int64) (*models.Bid, error) {
	b := &models.Bid{}
	query := `
        SELECT * FROM bid
        WHERE job_id=$1 AND technician_id=$2 AND status IN ('PENDING', 'COUNTERED')
        ORDER BY id DESC
        LIMIT 1`
	if err := t.tx.GetContext(ctx, b, query, jobID, technicianID); err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// CounterOffer (Встречное предложение)

func (t *pgTx) CreateCounterOffer(ctx context.Context, c *models.CounterOffer) error {
	query := `
        INSERT INTO counter_offer (bid_id, job_id, dealer_id, technician_id, price, round_number, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at`
	return t.tx.QueryRowxContext(ctx, query,
		c.BidID, c.JobID, c.DealerID, c.TechnicianID, c.Price, c.RoundNumber, c.Status).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (t *pgTx) GetCounterOffer(ctx context.Context, id int64) (*models.CounterOffer, error) {
	c := &models.CounterOffer{}
	query := `SELECT * FROM counter_offer WHERE id=$1`
	if err := t.tx.GetContext(ctx, c, query, id); err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (t *pgTx) UpdateCounterOffer(ctx context.Context, c *models.CounterOffer) error {
	query := `
        UPDATE counter_offer
        SET status=$1, updated_at=NOW()
        WHERE id=$2
        RETURNING updated_at`
	return notFound(t.tx.QueryRowxContext(ctx, query, c.Status, c.ID).Scan(&c.UpdatedAt))
}

func (t *pgTx) ListCounterOffersForJob(ctx context.Context, jobID int64) ([]models.CounterOffer, error) {
	offers := []models.CounterOffer{}
	query := `SELECT * FROM counter_offer WHERE job_id=$1 ORDER BY created_at ASC, id ASC`
	if err := t.tx.SelectContext(ctx, &offers, query, jobID); err != nil {
		return nil, err
	}
	return offers, nil
}

// PaymentSplit (Разделение оплаты)

func (t *pgTx) CreatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error {
	query := `
        INSERT INTO payment_split
            (job_id, technician_id, total_amount, immediate_release, warranty_hold,
             immediate_released_at, warranty_release_due_at, warranty_status)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING created_at`
	err := t.tx.QueryRowxContext(ctx, query,
		p.JobID, p.TechnicianID, p.TotalAmount, p.ImmediateRelease, p.WarrantyHold,
		p.ImmediateReleasedAt, p.WarrantyReleaseDueAt, p.WarrantyStatus).
		Scan(&p.CreatedAt)
	return duplicate(err)
}

func (t *pgTx) GetPaymentSplit(ctx context.Context, jobID int64) (*models.PaymentSplit, error) {
	p := &models.PaymentSplit{}
	query := `SELECT * FROM payment_split WHERE job_id=$1`
	if err := t.tx.GetContext(ctx, p, query, jobID); err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (t *pgTx) UpdatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error {
	query := `
        UPDATE payment_split
        SET warranty_status=$1, warranty_released_at=$2
        WHERE job_id=$3`
	res, err := t.tx.ExecContext(ctx, query, p.WarrantyStatus, p.WarrantyReleasedAt, p.JobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListDueWarrantyHolds(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	ids := []int64{}
	query := `
        SELECT p.job_id FROM payment_split p
        WHERE p.warranty_status = 'HELD' AND p.warranty_release_due_at <= $1
          AND NOT EXISTS (
            SELECT 1 FROM dispute d WHERE d.job_id = p.job_id AND d.status = 'OPEN')
        ORDER BY p.warranty_release_due_at ASC
        LIMIT $2`
	if err := t.tx.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, err
	}
	return ids, nil
}

// Dispute (Жалоба)

func (t *pgTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	query := `
        INSERT INTO dispute (job_id, raised_by, reason, status)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at`
	return t.tx.QueryRowxContext(ctx, query, d.JobID, d.RaisedBy, d.Reason, d.Status).
		Scan(&d.ID, &d.CreatedAt)
}

func (t *pgTx) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	d := &models.Dispute{}
	query := `SELECT * FROM dispute WHERE id=$1`
	if err := t.tx.GetContext(ctx, d, query, id); err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	query := `
        UPDATE dispute
        SET status=$1, resolved_by=$2, resolved_at=$3
        WHERE id=$4`
	res, err := t.tx.ExecContext(ctx, query, d.Status, d.ResolvedBy, d.ResolvedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *pgTx) CountOpenDisputes(ctx context.Context, jobID int64) (int, error) {
	var count int
	query := `SELECT COUNT(1) FROM dispute WHERE job_id=$1 AND status='OPEN'`
	err := t.tx.GetContext(ctx, &count, query, jobID)
	return count, err
}
