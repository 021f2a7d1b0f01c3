package workflow

import (
	"context"
	"errors"

	"jobboard/db"
	"jobboard/models"
)

// GetJobForTechnician возвращает проекцию заказа для техника.
// Контакты клиента, адрес, детали работ и имя дилера раскрываются только
// назначенному технику и только после фиксации оплаты.
func (s *Service) GetJobForTechnician(ctx context.Context, jobID, viewerTechnicianID int64) (*models.JobView, error) {
	var view *models.JobView
	err := s.inTx(ctx, "get_job_for_technician", func(tx db.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("job %d not found", jobID)
		}
		if err != nil {
			return err
		}
		if job.Status == models.JobCancelled {
			return notFoundError("job %d not found", jobID)
		}
		view, err = s.buildView(ctx, tx, job, viewerTechnicianID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) buildView(ctx context.Context, tx db.Tx, job *models.Job, viewerID int64) (*models.JobView, error) {
	view := &models.JobView{
		ID:            job.ID,
		JobNumber:     job.JobNumber,
		Title:         job.Title,
		Description:   job.Description,
		Status:        job.Status,
		Amount:        job.Amount,
		WarrantyDays:  job.WarrantyDays,
		City:          job.City,
		State:         job.State,
		PlaceName:     job.PlaceName,
		Latitude:      job.Latitude,
		Longitude:     job.Longitude,
		PaymentLocked: job.PaymentLocked,
	}
	if job.Amount != nil && *job.Amount > 0 {
		preview := ComputeSplit(*job.Amount)
		view.SplitPreview = &preview
	}

	dealer, err := tx.GetDealer(ctx, job.DealerID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		dealer = nil
	case err != nil:
		return nil, err
	}
	if dealer != nil {
		view.DealerTrustScore = dealer.TrustScore
		view.DealerRating = dealer.Rating
	}

	bids, err := tx.ListBidsForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range bids {
		if b.TechnicianID == viewerID {
			view.HasBid = true
			break
		}
	}

	counters, err := tx.ListCounterOffersForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	for i := range counters {
		if counters[i].TechnicianID == viewerID && counters[i].Status == models.CounterPending {
			view.ActiveCounter = &counters[i]
		}
	}

	if job.PaymentLocked && job.IsAssignedTo(viewerID) {
		view.WorkDetails = &job.WorkDetails
		view.Address = &job.Address
		view.Pincode = &job.Pincode
		view.CustomerName = &job.CustomerName
		view.CustomerPhone = &job.CustomerPhone
		view.CustomerEmail = &job.CustomerEmail
		if dealer != nil {
			view.DealerName = &dealer.Name
		}
	}
	return view, nil
}
