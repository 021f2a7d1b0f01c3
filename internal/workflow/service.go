package workflow

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"jobboard/db"
	"jobboard/internal/payments"
	"jobboard/models"
)

const (
	EventJobPosted              = "job.posted"
	EventBidPlaced              = "bid.placed"
	EventBidCountered           = "bid.countered"
	EventBidRejected            = "bid.rejected"
	EventJobAssigned            = "job.assigned"
	EventJobStarted             = "job.started"
	EventJobCompletionSubmitted = "job.completion_submitted"
	EventJobCompleted           = "job.completed"
	EventJobCancelled           = "job.cancelled"
	EventPaymentCaptured        = "payment.captured"
	EventWarrantyReleased       = "payment.warranty_released"
	EventDisputeOpened          = "dispute.opened"
	EventDisputeResolved        = "dispute.resolved"
)

// MaxNegotiationRounds - предел раундов переговоров по одной ставке
const MaxNegotiationRounds = 2

// Notifier доставляет события внешнему сервису уведомлений
type Notifier interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// PaymentGateway создает намерение оплаты для суммы заказа
type PaymentGateway interface {
	CreateIntent(ctx context.Context, jobID, amount int64) (string, error)
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithGateway(g PaymentGateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithClock подменяет источник времени (гарантийные сроки в тестах)
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service - конечный автомат заказа, ставки и поэтапная выплата
type Service struct {
	store    db.Store
	notifier Notifier
	gateway  PaymentGateway
	now      func() time.Time
}

func New(store db.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		gateway:  payments.NewSandbox(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, map[string]any) error { return nil }

type event struct {
	typ  string
	data map[string]any
}

// outbox копит события транзакции; публикуются только после фиксации
type outbox []event

func (o *outbox) add(typ string, data map[string]any) {
	if typ == "" {
		return
	}
	*o = append(*o, event{typ: typ, data: data})
}

func (s *Service) publish(ctx context.Context, events outbox) {
	for _, e := range events {
		if err := s.notifier.Publish(ctx, e.typ, e.data); err != nil {
			slog.WarnContext(ctx, "event publish failed", "event_type", e.typ, "error", err)
		}
	}
}

// inTx выполняет fn в транзакции хранилища. Ошибки хранилища логируются
// и превращаются во внутреннюю ошибку без подробностей.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx db.Tx) error) error {
	err := s.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		if werr.Code == CodeInternal {
			slog.ErrorContext(ctx, "workflow failure", "op", op, "error", err)
		}
		return err
	}
	slog.ErrorContext(ctx, "storage failure", "op", op, "error", err)
	return internalError(err)
}

func requireRole(actor models.Actor, roles ...models.Role) error {
	if !slices.Contains(roles, actor.Role) {
		return forbiddenError("role %s is not allowed to perform this action", actor.Role)
	}
	return nil
}

// requireJobOwner - дилер-владелец заказа или администратор
func requireJobOwner(actor models.Actor, job *models.Job) error {
	if actor.Role == models.RoleAdmin {
		return nil
	}
	if actor.Role != models.RoleDealer || job.DealerID != actor.UserID {
		return forbiddenError("job %s belongs to another dealer", job.JobNumber)
	}
	return nil
}

func lockJob(ctx context.Context, tx db.Tx, jobID int64) (*models.Job, error) {
	job, err := tx.LockJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, notFoundError("job %d not found", jobID)
	}
	return job, err
}

func jobEventData(job *models.Job) map[string]any {
	data := map[string]any{
		"job_id":     job.ID,
		"job_number": job.JobNumber,
		"dealer_id":  job.DealerID,
		"status":     string(job.Status),
	}
	if job.AssignedTechnicianID != nil {
		data["technician_id"] = *job.AssignedTechnicianID
	}
	if job.Amount != nil {
		data["amount"] = *job.Amount
	}
	return data
}
