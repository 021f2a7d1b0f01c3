package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"jobboard/db"
	"jobboard/models"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// NewDealer - профиль дилера; ID совпадает с ID пользователя в сервисе авторизации
type NewDealer struct {
	ID         int64
	Name       string
	TrustScore float64
	Rating     float64
}

// CreateDealer регистрирует профиль дилера (только администратор)
func (s *Service) CreateDealer(ctx context.Context, actor models.Actor, in NewDealer) (*models.Dealer, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if in.ID <= 0 || strings.TrimSpace(in.Name) == "" {
		return nil, validationError("dealer id and name are required")
	}
	if in.Rating < 0 || in.Rating > 5 || in.TrustScore < 0 || in.TrustScore > 100 {
		return nil, validationError("rating must be within [0,5] and trust score within [0,100]")
	}

	dealer := &models.Dealer{ID: in.ID, Name: in.Name, TrustScore: in.TrustScore, Rating: in.Rating}
	err := s.inTx(ctx, "create_dealer", func(tx db.Tx) error {
		err := tx.CreateDealer(ctx, dealer)
		if errors.Is(err, db.ErrDuplicate) {
			return validationError("dealer %d already exists", in.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return dealer, nil
}

// NewJob - данные нового заказа от дилера
type NewJob struct {
	Title         string
	Description   string
	WorkDetails   string
	Amount        *int64
	WarrantyDays  *int
	City          string
	State         string
	Address       string
	Pincode       string
	Latitude      float64
	Longitude     float64
	PlaceName     string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
}

func (in NewJob) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return validationError("title is required")
	}
	if in.Amount != nil && *in.Amount < 0 {
		return validationError("amount must not be negative")
	}
	if in.WarrantyDays != nil && *in.WarrantyDays < 0 {
		return validationError("warrantyDays must not be negative")
	}
	if in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		return validationError("coordinates are out of range")
	}
	return nil
}

// CreateJob публикует заказ дилера в статусе PENDING
func (s *Service) CreateJob(ctx context.Context, actor models.Actor, in NewJob) (*models.Job, error) {
	if err := requireRole(actor, models.RoleDealer); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	job := &models.Job{
		JobNumber:     newJobNumber(),
		Title:         in.Title,
		Description:   in.Description,
		WorkDetails:   in.WorkDetails,
		Amount:        in.Amount,
		WarrantyDays:  in.WarrantyDays,
		City:          in.City,
		State:         in.State,
		Address:       in.Address,
		Pincode:       in.Pincode,
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
		PlaceName:     in.PlaceName,
		DealerID:      actor.UserID,
		CustomerName:  in.CustomerName,
		CustomerPhone: in.CustomerPhone,
		CustomerEmail: in.CustomerEmail,
		Status:        models.JobPending,
	}

	var events outbox
	err := s.inTx(ctx, "create_job", func(tx db.Tx) error {
		if _, err := tx.GetDealer(ctx, actor.UserID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return notFoundError("dealer profile %d not found", actor.UserID)
			}
			return err
		}
		if err := checkAssignment(job); err != nil {
			return err
		}
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		events.add(EventJobPosted, jobEventData(job))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job posted", "job_id", job.ID, "job_number", job.JobNumber, "dealer_id", job.DealerID)
	s.publish(ctx, events)
	return job, nil
}

func newJobNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("JOB-%s", strings.ToUpper(id[:8]))
}

// GetJobForDealer возвращает полную запись заказа владельцу или администратору
func (s *Service) GetJobForDealer(ctx context.Context, actor models.Actor, jobID int64) (*models.Job, error) {
	var job *models.Job
	err := s.inTx(ctx, "get_job_for_dealer", func(tx db.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return notFoundError("job %d not found", jobID)
		}
		if err != nil {
			return err
		}
		return requireJobOwner(actor, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// maxNearbyScan - сколько открытых заказов просматривается при поиске по расстоянию
const maxNearbyScan = 500

// OpenJobsQuery - фильтр ленты открытых заказов
type OpenJobsQuery struct {
	Near     *orb.Point // [lng, lat]
	RadiusKm float64
	Limit    int
	Offset   int
}

// ListOpenJobs возвращает открытые заказы для техника. С фильтром Near
// заказы отбираются по расстоянию и сортируются от ближайшего.
func (s *Service) ListOpenJobs(ctx context.Context, actor models.Actor, q OpenJobsQuery) ([]models.JobView, error) {
	if err := requireRole(actor, models.RoleTechnician); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 5
	}
	if q.Offset < 0 {
		return nil, validationError("offset must not be negative")
	}
	if q.Near != nil && q.RadiusKm <= 0 {
		return nil, validationError("radiusKm must be positive")
	}

	var views []models.JobView
	err := s.inTx(ctx, "list_open_jobs", func(tx db.Tx) error {
		var (
			jobs []models.Job
			err  error
		)
		if q.Near == nil {
			jobs, err = tx.ListJobsByStatus(ctx, models.JobPending, q.Limit, q.Offset)
		} else {
			jobs, err = tx.ListJobsByStatus(ctx, models.JobPending, maxNearbyScan, 0)
		}
		if err != nil {
			return err
		}

		views = make([]models.JobView, 0, len(jobs))
		for i := range jobs {
			view, err := s.buildView(ctx, tx, &jobs[i], actor.UserID)
			if err != nil {
				return err
			}
			if q.Near != nil {
				km := geo.DistanceHaversine(*q.Near, orb.Point{jobs[i].Longitude, jobs[i].Latitude}) / 1000
				if km > q.RadiusKm {
					continue
				}
				view.DistanceKm = &km
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.Near != nil {
		slices.SortStableFunc(views, func(a, b models.JobView) int {
			switch {
			case *a.DistanceKm < *b.DistanceKm:
				return -1
			case *a.DistanceKm > *b.DistanceKm:
				return 1
			}
			return 0
		})
		views = pageViews(views, q.Limit, q.Offset)
	}
	return views, nil
}

func pageViews(views []models.JobView, limit, offset int) []models.JobView {
	if offset >= len(views) {
		return []models.JobView{}
	}
	views = views[offset:]
	if limit < len(views) {
		views = views[:limit]
	}
	return views
}
