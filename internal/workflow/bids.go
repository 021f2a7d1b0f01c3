package workflow

import (
	"context"
	"errors"
	"log/slog"

	"jobboard/db"
	"jobboard/models"
)

// lockBid блокирует заказ, к которому относится ставка, и перечитывает ставку под блокировкой
func lockBid(ctx context.Context, tx db.Tx, bidID int64) (*models.Job, *models.Bid, error) {
	bid, err := tx.GetBid(ctx, bidID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, notFoundError("bid %d not found", bidID)
	}
	if err != nil {
		return nil, nil, err
	}
	job, err := lockJob(ctx, tx, bid.JobID)
	if err != nil {
		return nil, nil, err
	}
	if bid, err = tx.GetBid(ctx, bidID); err != nil {
		return nil, nil, err
	}
	return job, bid, nil
}

func lockCounterOffer(ctx context.Context, tx db.Tx, counterID int64) (*models.Job, *models.CounterOffer, error) {
	counter, err := tx.GetCounterOffer(ctx, counterID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, notFoundError("counter offer %d not found", counterID)
	}
	if err != nil {
		return nil, nil, err
	}
	job, err := lockJob(ctx, tx, counter.JobID)
	if err != nil {
		return nil, nil, err
	}
	if counter, err = tx.GetCounterOffer(ctx, counterID); err != nil {
		return nil, nil, err
	}
	return job, counter, nil
}

// PlaceBid создает ставку техника на открытый заказ (раунд 1)
func (s *Service) PlaceBid(ctx context.Context, actor models.Actor, jobID, offeredPrice int64, message string) (*models.Bid, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}
	if offeredPrice <= 0 {
		return nil, validationError("offeredPrice must be positive")
	}

	var (
		bid    *models.Bid
		events outbox
	)
	err := s.inTx(ctx, "place_bid", func(tx db.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobPending {
			return invalidStateError("job %s is %s and no longer accepts bids", job.JobNumber, job.Status)
		}
		// завершенные переговоры техника по заказу не возобновляются
		bids, err := tx.ListBidsForJob(ctx, jobID)
		if err != nil {
			return err
		}
		closed := false
		for _, b := range bids {
			if b.TechnicianID != actor.UserID {
				continue
			}
			if !b.Status.Terminal() {
				return newError(CodeDuplicateBid, "technician already has an active bid on job %s", job.JobNumber)
			}
			closed = true
		}
		if closed {
			return invalidStateError("negotiation on job %s is already closed for this technician", job.JobNumber)
		}

		bid = &models.Bid{
			JobID:        jobID,
			TechnicianID: actor.UserID,
			OfferedPrice: offeredPrice,
			Message:      message,
			Status:       models.BidPending,
			RoundNumber:  1,
		}
		if err := tx.CreateBid(ctx, bid); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return newError(CodeDuplicateBid, "technician already has an active bid on job %s", job.JobNumber)
			}
			return err
		}
		events.add(EventBidPlaced, bidEventData(job, bid))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "bid placed", "job_id", jobID, "bid_id", bid.ID, "technician_id", actor.UserID)
	s.publish(ctx, events)
	return bid, nil
}

// CounterOffer - встречная цена дилера на ставку. Ставка переходит в COUNTERED
// со следующим номером раунда; раундов не больше MaxNegotiationRounds.
func (s *Service) CounterOffer(ctx context.Context, actor models.Actor, bidID, newPrice int64) (*models.CounterOffer, error) {
	if err := requireRole(actor, models.RoleDealer, models.RoleAdmin); err != nil {
		return nil, err
	}
	if newPrice <= 0 {
		return nil, validationError("price must be positive")
	}

	var (
		counter *models.CounterOffer
		events  outbox
	)
	err := s.inTx(ctx, "counter_offer", func(tx db.Tx) error {
		job, bid, err := lockBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if job.Status != models.JobPending {
			return invalidStateError("job %s is %s, negotiation is closed", job.JobNumber, job.Status)
		}
		if bid.Status.Terminal() {
			return invalidStateError("bid %d is already %s", bid.ID, bid.Status)
		}
		round := bid.RoundNumber + 1
		if round > MaxNegotiationRounds {
			return newError(CodeRoundLimit, "bid %d reached the limit of %d negotiation rounds", bid.ID, MaxNegotiationRounds)
		}

		// предыдущее встречное предложение по этой ставке больше не действует
		if err := rejectPendingCounters(ctx, tx, job.ID, func(c *models.CounterOffer) bool {
			return c.BidID == bid.ID
		}); err != nil {
			return err
		}

		bid.Status = models.BidCountered
		bid.RoundNumber = round
		if err := tx.UpdateBid(ctx, bid); err != nil {
			return err
		}
		counter = &models.CounterOffer{
			BidID:        bid.ID,
			JobID:        job.ID,
			DealerID:     job.DealerID,
			TechnicianID: bid.TechnicianID,
			Price:        newPrice,
			RoundNumber:  round,
			Status:       models.CounterPending,
		}
		if err := tx.CreateCounterOffer(ctx, counter); err != nil {
			return err
		}
		data := bidEventData(job, bid)
		data["counter_offer_id"] = counter.ID
		data["price"] = newPrice
		events.add(EventBidCountered, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return counter, nil
}

// AcceptCounterOffer - техник принимает встречную цену, заказ назначается ему
func (s *Service) AcceptCounterOffer(ctx context.Context, actor models.Actor, counterID int64) (*models.Job, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}

	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "accept_counter_offer", func(tx db.Tx) error {
		var (
			counter *models.CounterOffer
			err     error
		)
		job, counter, err = lockCounterOffer(ctx, tx, counterID)
		if err != nil {
			return err
		}
		if counter.TechnicianID != actor.UserID {
			return forbiddenError("counter offer %d is addressed to another technician", counterID)
		}
		if err := requireOpen(job); err != nil {
			return err
		}
		if counter.Status != models.CounterPending {
			return invalidStateError("counter offer %d is already %s", counterID, counter.Status)
		}
		bid, err := tx.GetBid(ctx, counter.BidID)
		if err != nil {
			return err
		}

		counter.Status = models.CounterAccepted
		if err := tx.UpdateCounterOffer(ctx, counter); err != nil {
			return err
		}
		return s.assignByBid(ctx, tx, job, bid, counter.Price, &events)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return job, nil
}

// RejectCounterOffer - техник отказывается от встречной цены; заказ остается открытым
func (s *Service) RejectCounterOffer(ctx context.Context, actor models.Actor, counterID int64) (*models.Bid, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}

	var (
		bid    *models.Bid
		events outbox
	)
	err := s.inTx(ctx, "reject_counter_offer", func(tx db.Tx) error {
		job, counter, err := lockCounterOffer(ctx, tx, counterID)
		if err != nil {
			return err
		}
		if counter.TechnicianID != actor.UserID {
			return forbiddenError("counter offer %d is addressed to another technician", counterID)
		}
		if counter.Status != models.CounterPending {
			return invalidStateError("counter offer %d is already %s", counterID, counter.Status)
		}
		counter.Status = models.CounterRejected
		if err := tx.UpdateCounterOffer(ctx, counter); err != nil {
			return err
		}
		if bid, err = tx.GetBid(ctx, counter.BidID); err != nil {
			return err
		}
		bid.Status = models.BidRejected
		if err := tx.UpdateBid(ctx, bid); err != nil {
			return err
		}
		events.add(EventBidRejected, bidEventData(job, bid))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return bid, nil
}

// AcceptBid - дилер принимает ставку по предложенной цене.
// Назначается только этот техник, остальные ставки отклоняются в той же транзакции.
func (s *Service) AcceptBid(ctx context.Context, actor models.Actor, bidID int64) (*models.Job, error) {
	if err := requireRole(actor, models.RoleDealer, models.RoleAdmin); err != nil {
		return nil, err
	}

	var (
		job    *models.Job
		events outbox
	)
	err := s.inTx(ctx, "accept_bid", func(tx db.Tx) error {
		var (
			bid *models.Bid
			err error
		)
		job, bid, err = lockBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if err := requireOpen(job); err != nil {
			return err
		}
		if bid.Status.Terminal() {
			return invalidStateError("bid %d is already %s", bid.ID, bid.Status)
		}
		return s.assignByBid(ctx, tx, job, bid, bid.OfferedPrice, &events)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return job, nil
}

// RejectBid - дилер отклоняет ставку вместе с ее встречными предложениями
func (s *Service) RejectBid(ctx context.Context, actor models.Actor, bidID int64) (*models.Bid, error) {
	if err := requireRole(actor, models.RoleDealer, models.RoleAdmin); err != nil {
		return nil, err
	}

	var (
		bid    *models.Bid
		events outbox
	)
	err := s.inTx(ctx, "reject_bid", func(tx db.Tx) error {
		var (
			job *models.Job
			err error
		)
		job, bid, err = lockBid(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if bid.Status.Terminal() {
			return invalidStateError("bid %d is already %s", bid.ID, bid.Status)
		}
		if err := rejectPendingCounters(ctx, tx, job.ID, func(c *models.CounterOffer) bool {
			return c.BidID == bid.ID
		}); err != nil {
			return err
		}
		bid.Status = models.BidRejected
		if err := tx.UpdateBid(ctx, bid); err != nil {
			return err
		}
		events.add(EventBidRejected, bidEventData(job, bid))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events)
	return bid, nil
}

// BidLedger - ставки заказа и встречные предложения по ним
type BidLedger struct {
	Bids          []models.Bid          `json:"bids"`
	CounterOffers []models.CounterOffer `json:"counterOffers"`
}

// ListBidsForJob возвращает историю переговоров по заказу владельцу
func (s *Service) ListBidsForJob(ctx context.Context, actor models.Actor, jobID int64) (*BidLedger, error) {
	ledger := &BidLedger{}
	err := s.inTx(ctx, "list_bids_for_job", func(tx db.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("job %d not found", jobID)
		}
		if err != nil {
			return err
		}
		if err := requireJobOwner(actor, job); err != nil {
			return err
		}
		if ledger.Bids, err = tx.ListBidsForJob(ctx, jobID); err != nil {
			return err
		}
		ledger.CounterOffers, err = tx.ListCounterOffersForJob(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

// requireOpen - назначение возможно только из PENDING; проигравший гонку получает ALREADY_ASSIGNED
func requireOpen(job *models.Job) error {
	switch job.Status {
	case models.JobPending:
		return nil
	case models.JobCancelled:
		return invalidStateError("job %s is cancelled", job.JobNumber)
	default:
		return alreadyAssignedError(job)
	}
}

func rejectPendingCounters(ctx context.Context, tx db.Tx, jobID int64, match func(c *models.CounterOffer) bool) error {
	counters, err := tx.ListCounterOffersForJob(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range counters {
		c := &counters[i]
		if c.Status != models.CounterPending || !match(c) {
			continue
		}
		c.Status = models.CounterRejected
		if err := tx.UpdateCounterOffer(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func bidEventData(job *models.Job, bid *models.Bid) map[string]any {
	return map[string]any{
		"job_id":        job.ID,
		"job_number":    job.JobNumber,
		"dealer_id":     job.DealerID,
		"bid_id":        bid.ID,
		"technician_id": bid.TechnicianID,
		"offered_price": bid.OfferedPrice,
		"round_number":  bid.RoundNumber,
		"status":        string(bid.Status),
	}
}
