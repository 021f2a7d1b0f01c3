package workflow

import (
	"context"
	"errors"
	"log/slog"

	"jobboard/db"
	"jobboard/models"
)

// assignByBid назначает заказ автору ставки по цене price и закрывает остальные переговоры
func (s *Service) assignByBid(ctx context.Context, tx db.Tx, job *models.Job, bid *models.Bid, price int64, events *outbox) error {
	bid.Status = models.BidAccepted
	if err := tx.UpdateBid(ctx, bid); err != nil {
		return err
	}

	technicianID := bid.TechnicianID
	job.Amount = &price
	job.AssignedTechnicianID = &technicianID
	event, err := transition(job, models.JobAssigned)
	if err != nil {
		return err
	}
	if err := s.ensureIntent(ctx, job); err != nil {
		return err
	}
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := rejectOthers(ctx, tx, job, bid.ID, events); err != nil {
		return err
	}

	events.add(event, jobEventData(job))
	slog.InfoContext(ctx, "job assigned", "job_id", job.ID, "technician_id", technicianID, "bid_id", bid.ID, "amount", price)
	return nil
}

// ensureIntent запрашивает у шлюза намерение оплаты, если у заказа есть цена
func (s *Service) ensureIntent(ctx context.Context, job *models.Job) error {
	if job.AmountValue() <= 0 || job.PaymentIntentID != "" {
		return nil
	}
	intentID, err := s.gateway.CreateIntent(ctx, job.ID, job.AmountValue())
	if err != nil {
		return internalError(err)
	}
	job.PaymentIntentID = intentID
	return nil
}

// rejectOthers отклоняет незавершенные ставки по заказу, кроме keepBidID,
// и все ожидающие ответа встречные предложения
func rejectOthers(ctx context.Context, tx db.Tx, job *models.Job, keepBidID int64, events *outbox) error {
	bids, err := tx.ListBidsForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	for i := range bids {
		b := &bids[i]
		if b.ID == keepBidID || b.Status.Terminal() {
			continue
		}
		b.Status = models.BidRejected
		if err := tx.UpdateBid(ctx, b); err != nil {
			return err
		}
		events.add(EventBidRejected, bidEventData(job, b))
	}
	return rejectPendingCounters(ctx, tx, job.ID, func(*models.CounterOffer) bool { return true })
}

// AcceptJobDirect - техник берет заказ по цене дилера без торга.
// При ненулевой цене нужно согласие с условиями выплаты, заказ ждет оплаты.
func (s *Service) AcceptJobDirect(ctx context.Context, actor models.Actor, jobID int64, termsAccepted bool) (*models.Job, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}

	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "accept_job_direct", func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := requireOpen(job); err != nil {
			return err
		}
		_, err = tx.FindActiveBid(ctx, jobID, actor.UserID)
		switch {
		case err == nil:
			return invalidStateError("technician has an active bid on job %s, continue the negotiation instead", job.JobNumber)
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		target := models.JobAssigned
		if job.AmountValue() > 0 {
			if !termsAccepted {
				return newError(CodeTermsNotAccepted, "payment split and warranty terms must be accepted for job %s", job.JobNumber)
			}
			target = models.JobWaitingForPayment
		} else {
			// оплачивать нечего: заказ сразу считается зафиксированным
			job.PaymentLocked = true
		}

		technicianID := actor.UserID
		job.AssignedTechnicianID = &technicianID
		event, err := transition(job, target)
		if err != nil {
			return err
		}
		if err := s.ensureIntent(ctx, job); err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := rejectOthers(ctx, tx, job, 0, &events); err != nil {
			return err
		}
		events.add(event, jobEventData(job))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job accepted directly", "job_id", job.ID, "technician_id", actor.UserID, "status", job.Status)
	s.publish(ctx, events)
	return job, nil
}

// technicianStep - переход заказа, выполняемый назначенным техником
func (s *Service) technicianStep(ctx context.Context, actor models.Actor, jobID int64, op string, from, to models.JobStatus) (*models.Job, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}

	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, op, func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != from {
			return invalidStateError("job %s is %s, expected %s", job.JobNumber, job.Status, from)
		}
		if !job.IsAssignedTo(actor.UserID) {
			return forbiddenError("job %s is assigned to another technician", job.JobNumber)
		}
		event, err := transition(job, to)
		if err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		events.add(event, jobEventData(job))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job status changed", "job_id", job.ID, "status", job.Status)
	s.publish(ctx, events)
	return job, nil
}

// StartJob: ASSIGNED -> IN_PROGRESS
func (s *Service) StartJob(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, error) {
	return s.technicianStep(ctx, actor, jobID, "start_job", models.JobAssigned, models.JobInProgress)
}

// SubmitCompletion: IN_PROGRESS -> COMPLETION_PENDING_APPROVAL
func (s *Service) SubmitCompletion(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, error) {
	return s.technicianStep(ctx, actor, jobID, "submit_completion", models.JobInProgress, models.JobCompletionPendingApproval)
}

// ApproveCompletion - дилер принимает работу. Заказ завершается,
// рассчитывается выплата и ставится гарантийное удержание.
func (s *Service) ApproveCompletion(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, *models.PaymentSplit, error) {
	var (
		job    *models.Job
		split  *models.PaymentSplit
		events outbox
	)
	err := s.inTx(ctx, "approve_completion", func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if job.Status != models.JobCompletionPendingApproval {
			return invalidStateError("job %s is %s, completion was not submitted", job.JobNumber, job.Status)
		}
		if job.AmountValue() > 0 && !job.PaymentLocked {
			return invalidStateError("payment for job %s is not captured yet", job.JobNumber)
		}

		completedAt := s.now()
		job.CompletedAt = &completedAt
		event, err := transition(job, models.JobCompleted)
		if err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if split, err = s.onJobCompletedTx(ctx, tx, job); err != nil {
			return err
		}
		data := jobEventData(job)
		data["immediate_release"] = split.ImmediateRelease
		data["warranty_hold"] = split.WarrantyHold
		data["warranty_release_due_at"] = split.WarrantyReleaseDueAt
		events.add(event, data)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "job completed",
		"job_id", job.ID,
		"immediate_release", split.ImmediateRelease,
		"warranty_hold", split.WarrantyHold,
	)
	s.publish(ctx, events)
	return job, split, nil
}

// RequestRework возвращает заказ технику на доработку
func (s *Service) RequestRework(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, error) {
	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "request_rework", func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if job.Status != models.JobCompletionPendingApproval {
			return invalidStateError("job %s is %s, completion was not submitted", job.JobNumber, job.Status)
		}
		event, err := transition(job, models.JobInProgress)
		if err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		data := jobEventData(job)
		data["rework"] = true
		events.add(event, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return job, nil
}

// CancelJob отменяет заказ до начала работ. После IN_PROGRESS отмена запрещена.
func (s *Service) CancelJob(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, error) {
	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "cancel_job", func(tx db.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		previous := job.AssignedTechnicianID
		cancelledAt := s.now()
		event, err := transition(job, models.JobCancelled)
		if err != nil {
			return err
		}
		job.CancelledAt = &cancelledAt
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := rejectOthers(ctx, tx, job, 0, &events); err != nil {
			return err
		}
		data := jobEventData(job)
		data["payment_locked"] = job.PaymentLocked
		if previous != nil {
			data["technician_id"] = *previous
		}
		events.add(event, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job cancelled", "job_id", job.ID, "payment_locked", job.PaymentLocked)
	s.publish(ctx, events)
	return job, nil
}
