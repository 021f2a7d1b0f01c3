package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"jobboard/db"
	"jobboard/models"
)

// ReleaseOutcome - результат попытки выплатить гарантийное удержание
type ReleaseOutcome string

const (
	ReleaseDone     ReleaseOutcome = "RELEASED"
	ReleaseRepeated ReleaseOutcome = "ALREADY_RELEASED"
	ReleaseNotDue   ReleaseOutcome = "NOT_DUE"
	ReleaseDisputed ReleaseOutcome = "DISPUTED"
	ReleaseRefunded ReleaseOutcome = "REFUNDED"
)

type ReleaseResult struct {
	Split   *models.PaymentSplit `json:"split"`
	Outcome ReleaseOutcome       `json:"outcome"`
}

// DisputeOutcome - в чью пользу решена жалоба
type DisputeOutcome string

const (
	OutcomeTechnician DisputeOutcome = "TECHNICIAN"
	OutcomeDealer     DisputeOutcome = "DEALER"
)

// OnJobCompleted рассчитывает разделение оплаты завершенного заказа.
// Повторный вызов возвращает уже сохраненную запись.
func (s *Service) OnJobCompleted(ctx context.Context, jobID int64) (*models.PaymentSplit, error) {
	var split *models.PaymentSplit
	err := s.inTx(ctx, "on_job_completed", func(tx db.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		split, err = s.onJobCompletedTx(ctx, tx, job)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

func (s *Service) onJobCompletedTx(ctx context.Context, tx db.Tx, job *models.Job) (*models.PaymentSplit, error) {
	existing, err := tx.GetPaymentSplit(ctx, job.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if job.Status != models.JobCompleted || job.CompletedAt == nil {
		return nil, invalidStateError("job %s is %s, payment split requires a completed job", job.JobNumber, job.Status)
	}

	warrantyDays := 0
	if job.WarrantyDays != nil {
		warrantyDays = *job.WarrantyDays
	}
	completedAt := *job.CompletedAt
	parts := ComputeSplit(job.AmountValue())
	split := &models.PaymentSplit{
		JobID:                job.ID,
		TechnicianID:         *job.AssignedTechnicianID,
		TotalAmount:          job.AmountValue(),
		ImmediateRelease:     parts.ImmediateRelease,
		WarrantyHold:         parts.WarrantyHold,
		ImmediateReleasedAt:  completedAt,
		WarrantyReleaseDueAt: completedAt.AddDate(0, 0, warrantyDays),
		WarrantyStatus:       models.WarrantyHeld,
	}
	if split.WarrantyHold == 0 {
		split.WarrantyStatus = models.WarrantyReleased
		split.WarrantyReleasedAt = &completedAt
	}
	if err := tx.CreatePaymentSplit(ctx, split); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return tx.GetPaymentSplit(ctx, job.ID)
		}
		return nil, err
	}
	return split, nil
}

// ReleaseWarrantyHold выплачивает гарантийное удержание, если срок истек и нет открытых жалоб.
// Безопасен для повторного вызова: удержание выплачивается ровно один раз.
func (s *Service) ReleaseWarrantyHold(ctx context.Context, jobID int64) (*ReleaseResult, error) {
	var (
		result *ReleaseResult
		events outbox
	)
	err := s.inTx(ctx, "release_warranty_hold", func(tx db.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		result, err = s.releaseTx(ctx, tx, job, &events)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == ReleaseDone {
		slog.InfoContext(ctx, "warranty hold released", "job_id", jobID, "amount", result.Split.WarrantyHold)
	}
	s.publish(ctx, events)
	return result, nil
}

func (s *Service) releaseTx(ctx context.Context, tx db.Tx, job *models.Job, events *outbox) (*ReleaseResult, error) {
	split, err := tx.GetPaymentSplit(ctx, job.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, notFoundError("payment split for job %s not found", job.JobNumber)
	}
	if err != nil {
		return nil, err
	}

	switch split.WarrantyStatus {
	case models.WarrantyReleased:
		return &ReleaseResult{Split: split, Outcome: ReleaseRepeated}, nil
	case models.WarrantyRefunded:
		return &ReleaseResult{Split: split, Outcome: ReleaseRefunded}, nil
	}

	open, err := tx.CountOpenDisputes(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return &ReleaseResult{Split: split, Outcome: ReleaseDisputed}, nil
	}
	now := s.now()
	if now.Before(split.WarrantyReleaseDueAt) {
		return &ReleaseResult{Split: split, Outcome: ReleaseNotDue}, nil
	}

	split.WarrantyStatus = models.WarrantyReleased
	split.WarrantyReleasedAt = &now
	if err := tx.UpdatePaymentSplit(ctx, split); err != nil {
		return nil, err
	}
	events.add(EventWarrantyReleased, map[string]any{
		"job_id":        job.ID,
		"job_number":    job.JobNumber,
		"technician_id": split.TechnicianID,
		"amount":        split.WarrantyHold,
	})
	return &ReleaseResult{Split: split, Outcome: ReleaseDone}, nil
}

// CapturePayment обрабатывает подтверждение оплаты от шлюза.
// Фиксирует оплату и переводит WAITING_FOR_PAYMENT в ASSIGNED; повторный вызов ничего не меняет.
func (s *Service) CapturePayment(ctx context.Context, jobID int64, intentID, reference string) (*models.Job, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, validationError("paymentReference is required")
	}

	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "capture_payment", func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.PaymentLocked {
			return nil
		}
		if job.Status == models.JobPending || job.Status == models.JobCancelled {
			return invalidStateError("job %s is %s and cannot take a payment", job.JobNumber, job.Status)
		}
		if job.PaymentIntentID != "" && intentID != job.PaymentIntentID {
			return validationError("payment intent does not match job %s", job.JobNumber)
		}

		job.PaymentLocked = true
		job.PaymentReference = reference
		if job.Status == models.JobWaitingForPayment {
			event, err := transition(job, models.JobAssigned)
			if err != nil {
				return err
			}
			events.add(event, jobEventData(job))
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		data := jobEventData(job)
		data["payment_reference"] = reference
		events.add(EventPaymentCaptured, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "payment captured", "job_id", job.ID, "status", job.Status)
	s.publish(ctx, events)
	return job, nil
}

// GetPaymentSplit доступен владельцу заказа, администратору и назначенному технику
func (s *Service) GetPaymentSplit(ctx context.Context, actor models.Actor, jobID int64) (*models.PaymentSplit, error) {
	var split *models.PaymentSplit
	err := s.inTx(ctx, "get_payment_split", func(tx db.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("job %d not found", jobID)
		}
		if err != nil {
			return err
		}
		if !(actor.Role == models.RoleTechnician && job.IsAssignedTo(actor.UserID)) {
			if err := requireJobOwner(actor, job); err != nil {
				return err
			}
		}
		split, err = tx.GetPaymentSplit(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("payment split for job %s not found", job.JobNumber)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// OpenDispute - жалоба дилера на выполненную работу; пока она открыта, удержание не выплачивается
func (s *Service) OpenDispute(ctx context.Context, actor models.Actor, jobID int64, reason string) (*models.Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationError("reason is required")
	}

	var (
		dispute *models.Dispute
		events  outbox
	)
	err := s.inTx(ctx, "open_dispute", func(tx db.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if job.Status != models.JobCompleted {
			return invalidStateError("job %s is %s, only completed jobs can be disputed", job.JobNumber, job.Status)
		}
		split, err := tx.GetPaymentSplit(ctx, jobID)
		if err != nil {
			return err
		}
		if split.WarrantyStatus != models.WarrantyHeld {
			return invalidStateError("warranty hold for job %s is already %s", job.JobNumber, split.WarrantyStatus)
		}

		dispute = &models.Dispute{
			JobID:    jobID,
			RaisedBy: actor.UserID,
			Reason:   reason,
			Status:   models.DisputeOpen,
		}
		if err := tx.CreateDispute(ctx, dispute); err != nil {
			return err
		}
		events.add(EventDisputeOpened, map[string]any{
			"job_id":        job.ID,
			"dispute_id":    dispute.ID,
			"technician_id": split.TechnicianID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "dispute opened", "job_id", jobID, "dispute_id", dispute.ID)
	s.publish(ctx, events)
	return dispute, nil
}

// ResolveDispute закрывает жалобу. В пользу дилера удержание возвращается,
// в пользу техника выплачивается, если срок гарантии уже истек.
func (s *Service) ResolveDispute(ctx context.Context, actor models.Actor, disputeID int64, outcome DisputeOutcome) (*models.Dispute, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if outcome != OutcomeTechnician && outcome != OutcomeDealer {
		return nil, validationError("outcome must be %s or %s", OutcomeTechnician, OutcomeDealer)
	}

	var (
		dispute *models.Dispute
		events  outbox
	)
	err := s.inTx(ctx, "resolve_dispute", func(tx db.Tx) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("dispute %d not found", disputeID)
		}
		if err != nil {
			return err
		}
		job, err := lockJob(ctx, tx, d.JobID)
		if err != nil {
			return err
		}
		if dispute, err = tx.GetDispute(ctx, disputeID); err != nil {
			return err
		}
		if dispute.Status != models.DisputeOpen {
			return invalidStateError("dispute %d is already %s", disputeID, dispute.Status)
		}

		resolvedAt := s.now()
		resolvedBy := actor.UserID
		dispute.ResolvedAt = &resolvedAt
		dispute.ResolvedBy = &resolvedBy
		dispute.Status = models.DisputeResolvedTechnician
		if outcome == OutcomeDealer {
			dispute.Status = models.DisputeResolvedDealer
		}
		if err := tx.UpdateDispute(ctx, dispute); err != nil {
			return err
		}
		events.add(EventDisputeResolved, map[string]any{
			"job_id":     job.ID,
			"dispute_id": dispute.ID,
			"outcome":    string(outcome),
		})

		if outcome == OutcomeDealer {
			return refundHold(ctx, tx, job)
		}
		_, err = s.releaseTx(ctx, tx, job, &events)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "dispute resolved", "dispute_id", disputeID, "outcome", outcome)
	s.publish(ctx, events)
	return dispute, nil
}

func refundHold(ctx context.Context, tx db.Tx, job *models.Job) error {
	split, err := tx.GetPaymentSplit(ctx, job.ID)
	if err != nil {
		return err
	}
	if split.WarrantyStatus != models.WarrantyHeld {
		return nil
	}
	split.WarrantyStatus = models.WarrantyRefunded
	return tx.UpdatePaymentSplit(ctx, split)
}
