package db

import (
	"context"
	"errors"
	"time"

	"jobboard/models"
)

// ErrDuplicate - нарушение уникальности (повторная запись)
var ErrDuplicate = errors.New("duplicate record")

// Store открывает транзакции над заказами и связанными записями.
// Все изменения ставок, встречных предложений, выплат и жалоб выполняются
// под блокировкой строки заказа (LockJob), поэтому порядок блокировок всегда один.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx - операции, доступные внутри транзакции. Отсутствие записи - models.ErrNotFound.
type Tx interface {
	CreateDealer(ctx context.Context, d *models.Dealer) error
	GetDealer(ctx context.Context, id int64) (*models.Dealer, error)

	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	LockJob(ctx context.Context, id int64) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job) error
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error)

	CreateBid(ctx context.Context, b *models.Bid) error
	GetBid(ctx context.Context, id int64) (*models.Bid, error)
	UpdateBid(ctx context.Context, b *models.Bid) error
	ListBidsForJob(ctx context.Context, jobID int64) ([]models.Bid, error)
	FindActiveBid(ctx context.Context, jobID, technicianID int64) (*models.Bid, error)

	CreateCounterOffer(ctx context.Context, c *models.CounterOffer) error
	GetCounterOffer(ctx context.Context, id int64) (*models.CounterOffer, error)
	UpdateCounterOffer(ctx context.Context, c *models.CounterOffer) error
	ListCounterOffersForJob(ctx context.Context, jobID int64) ([]models.CounterOffer, error)

	CreatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error
	GetPaymentSplit(ctx context.Context, jobID int64) (*models.PaymentSplit, error)
	UpdatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error
	// ListDueWarrantyHolds - удержания HELD со сроком до now, без открытых жалоб
	ListDueWarrantyHolds(ctx context.Context, now time.Time, limit int) ([]int64, error)

	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id int64) (*models.Dispute, error)
	UpdateDispute(ctx context.Context, d *models.Dispute) error
	CountOpenDisputes(ctx context.Context, jobID int64) (int, error)
}
