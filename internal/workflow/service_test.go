package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobboard/db"
	"jobboard/internal/workflow"
	"jobboard/models"

	"github.com/stretchr/testify/require"
)

var (
	admin  = models.Actor{UserID: 1, Role: models.RoleAdmin}
	dealer = models.Actor{UserID: 10, Role: models.RoleDealer}
	tech   = models.Actor{UserID: 20, Role: models.RoleTechnician}
	tech2  = models.Actor{UserID: 21, Role: models.RoleTechnician}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(_ context.Context, eventType string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *workflow.Service
	clock  *fakeClock
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	f.svc = workflow.New(db.NewMemoryStorage(),
		workflow.WithClock(f.clock.Now),
		workflow.WithNotifier(f.events),
	)
	_, err := f.svc.CreateDealer(context.Background(), admin, workflow.NewDealer{
		ID: dealer.UserID, Name: "Cool Air Dealers", TrustScore: 92, Rating: 4.7,
	})
	require.NoError(t, err)
	return f
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) postJob(t *testing.T, amount int64, warrantyDays int) *models.Job {
	t.Helper()
	job, err := f.svc.CreateJob(context.Background(), dealer, workflow.NewJob{
		Title:         "AC installation",
		Description:   "Install a 1.5 ton split AC",
		WorkDetails:   "Bring copper piping, 3m",
		Amount:        ptr(amount),
		WarrantyDays:  ptr(warrantyDays),
		City:          "Pune",
		State:         "MH",
		Address:       "Flat 4B, Lake View",
		Pincode:       "411001",
		Latitude:      18.52,
		Longitude:     73.85,
		PlaceName:     "Koregaon Park",
		CustomerName:  "R. Sharma",
		CustomerPhone: "+91-9800000000",
		CustomerEmail: "r.sharma@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	return job
}

func (f *fixture) job(t *testing.T, id int64) *models.Job {
	t.Helper()
	job, err := f.svc.GetJobForDealer(context.Background(), admin, id)
	require.NoError(t, err)
	return job
}

// requireAssignment: техник назначен тогда и только тогда, когда статус не PENDING и не CANCELLED
func requireAssignment(t *testing.T, job *models.Job) {
	t.Helper()
	unassigned := job.Status == models.JobPending || job.Status == models.JobCancelled
	require.Equal(t, unassigned, job.AssignedTechnicianID == nil, "status %s", job.Status)
}

// completeJob проводит заказ, назначенный технику a, до COMPLETED
func (f *fixture) completeJob(t *testing.T, job *models.Job, a models.Actor) *models.PaymentSplit {
	t.Helper()
	ctx := context.Background()
	if !job.PaymentLocked && job.AmountValue() > 0 {
		_, err := f.svc.CapturePayment(ctx, job.ID, job.PaymentIntentID, "pay_"+job.JobNumber)
		require.NoError(t, err)
	}
	_, err := f.svc.StartJob(ctx, a, job.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitCompletion(ctx, a, job.ID)
	require.NoError(t, err)
	_, split, err := f.svc.ApproveCompletion(ctx, dealer, job.ID)
	require.NoError(t, err)
	return split
}

func TestNegotiatedJobScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "can start tomorrow")
	require.NoError(t, err)
	require.Equal(t, models.BidPending, bid.Status)
	require.Equal(t, 1, bid.RoundNumber)

	counter, err := f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)
	require.Equal(t, 2, counter.RoundNumber)

	assigned, err := f.svc.AcceptCounterOffer(ctx, tech, counter.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, assigned.Status)
	require.True(t, assigned.IsAssignedTo(tech.UserID))
	require.Equal(t, int64(9800), assigned.AmountValue())

	ledger, err := f.svc.ListBidsForJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	require.Len(t, ledger.Bids, 1)
	require.Equal(t, models.BidAccepted, ledger.Bids[0].Status)
	require.Equal(t, models.CounterAccepted, ledger.CounterOffers[0].Status)

	split := f.completeJob(t, assigned, tech)
	require.Equal(t, int64(9800), split.TotalAmount)
	require.Equal(t, int64(7840), split.ImmediateRelease)
	require.Equal(t, int64(1960), split.WarrantyHold)
	require.Equal(t, models.WarrantyHeld, split.WarrantyStatus)
	require.Equal(t, f.clock.Now().AddDate(0, 0, 30), split.WarrantyReleaseDueAt)

	res, err := f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseNotDue, res.Outcome)

	f.clock.Advance(30 * 24 * time.Hour)
	res, err = f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseDone, res.Outcome)
	require.Equal(t, models.WarrantyReleased, res.Split.WarrantyStatus)
	require.NotNil(t, res.Split.WarrantyReleasedAt)

	// повторный вызов не выплачивает второй раз
	res, err = f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseRepeated, res.Outcome)
	require.Equal(t, 1, f.events.count(workflow.EventWarrantyReleased))

	require.Equal(t, 1, f.events.count(workflow.EventJobPosted))
	require.Equal(t, 1, f.events.count(workflow.EventBidPlaced))
	require.Equal(t, 1, f.events.count(workflow.EventJobCompleted))
}

func TestAssignmentInvariantAcrossLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.postJob(t, 4000, 7)
	requireAssignment(t, f.job(t, job.ID))

	job, err := f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	require.Equal(t, models.JobWaitingForPayment, job.Status)
	requireAssignment(t, f.job(t, job.ID))

	_, err = f.svc.CapturePayment(ctx, job.ID, job.PaymentIntentID, "pay_1")
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, f.job(t, job.ID).Status)
	requireAssignment(t, f.job(t, job.ID))

	for _, step := range []func() (*models.Job, error){
		func() (*models.Job, error) { return f.svc.StartJob(ctx, tech, job.ID) },
		func() (*models.Job, error) { return f.svc.SubmitCompletion(ctx, tech, job.ID) },
		func() (*models.Job, error) { return f.svc.RequestRework(ctx, dealer, job.ID) },
		func() (*models.Job, error) { return f.svc.SubmitCompletion(ctx, tech, job.ID) },
		func() (*models.Job, error) {
			j, _, err := f.svc.ApproveCompletion(ctx, dealer, job.ID)
			return j, err
		},
	} {
		j, err := step()
		require.NoError(t, err)
		requireAssignment(t, j)
		requireAssignment(t, f.job(t, job.ID))
	}
	require.Equal(t, models.JobCompleted, f.job(t, job.ID).Status)

	cancelled := f.postJob(t, 4000, 7)
	_, err = f.svc.AcceptJobDirect(ctx, tech, cancelled.ID, true)
	require.NoError(t, err)
	c, err := f.svc.CancelJob(ctx, dealer, cancelled.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCancelled, c.Status)
	requireAssignment(t, c)
}

func TestCounterOfferRoundLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9000, "")
	require.NoError(t, err)
	_, err = f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)

	_, err = f.svc.CounterOffer(ctx, dealer, bid.ID, 9600)
	require.ErrorIs(t, err, workflow.ErrRoundLimit)

	ledger, err := f.svc.ListBidsForJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	for _, b := range ledger.Bids {
		require.LessOrEqual(t, b.RoundNumber, workflow.MaxNegotiationRounds)
	}
	require.Len(t, ledger.CounterOffers, 1)
}

func TestCounterOfferValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)
	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9000, "")
	require.NoError(t, err)

	_, err = f.svc.CounterOffer(ctx, dealer, bid.ID, 0)
	require.ErrorIs(t, err, workflow.ErrValidation)

	_, err = f.svc.CounterOffer(ctx, models.Actor{UserID: 11, Role: models.RoleDealer}, bid.ID, 9500)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = f.svc.CounterOffer(ctx, dealer, 999, 9500)
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestVisibilityGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	view, err := f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), *view.Amount)
	require.Equal(t, 30, *view.WarrantyDays)
	require.Equal(t, "Koregaon Park", view.PlaceName)
	require.Equal(t, 18.52, view.Latitude)
	require.Equal(t, 92.0, view.DealerTrustScore)
	require.Equal(t, int64(8000), view.SplitPreview.ImmediateRelease)
	requireGated(t, view)

	job, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	view, err = f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	requireGated(t, view)

	_, err = f.svc.CapturePayment(ctx, job.ID, job.PaymentIntentID, "pay_42")
	require.NoError(t, err)

	view, err = f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	require.True(t, view.PaymentLocked)
	require.Equal(t, "Bring copper piping, 3m", *view.WorkDetails)
	require.Equal(t, "Flat 4B, Lake View", *view.Address)
	require.Equal(t, "411001", *view.Pincode)
	require.Equal(t, "R. Sharma", *view.CustomerName)
	require.Equal(t, "+91-9800000000", *view.CustomerPhone)
	require.Equal(t, "r.sharma@example.com", *view.CustomerEmail)
	require.Equal(t, "Cool Air Dealers", *view.DealerName)

	// другой техник не видит контакты даже после оплаты
	view, err = f.svc.GetJobForTechnician(ctx, job.ID, tech2.UserID)
	require.NoError(t, err)
	requireGated(t, view)
}

func requireGated(t *testing.T, view *models.JobView) {
	t.Helper()
	require.Nil(t, view.WorkDetails)
	require.Nil(t, view.Address)
	require.Nil(t, view.Pincode)
	require.Nil(t, view.CustomerName)
	require.Nil(t, view.CustomerPhone)
	require.Nil(t, view.CustomerEmail)
	require.Nil(t, view.DealerName)
}

func TestGetJobForTechnicianFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	counter, err := f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)

	view, err := f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	require.True(t, view.HasBid)
	require.NotNil(t, view.ActiveCounter)
	require.Equal(t, counter.ID, view.ActiveCounter.ID)

	view, err = f.svc.GetJobForTechnician(ctx, job.ID, tech2.UserID)
	require.NoError(t, err)
	require.False(t, view.HasBid)
	require.Nil(t, view.ActiveCounter)

	_, err = f.svc.GetJobForTechnician(ctx, 999, tech.UserID)
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestConcurrentAcceptJobDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		already int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(a models.Actor) {
			defer wg.Done()
			_, err := f.svc.AcceptJobDirect(ctx, a, job.ID, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrAlreadyAssigned):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(models.Actor{UserID: int64(100 + i), Role: models.RoleTechnician})
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, already)
	got := f.job(t, job.ID)
	require.Equal(t, models.JobWaitingForPayment, got.Status)
	requireAssignment(t, got)
}

func TestConcurrentCounterAcceptAndDirectAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)
	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	counter, err := f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.AcceptCounterOffer(ctx, tech, counter.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.AcceptJobDirect(ctx, tech2, job.ID, true)
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, workflow.ErrAlreadyAssigned)
	}
	require.Equal(t, 1, succeeded)
	requireAssignment(t, f.job(t, job.ID))
}

func TestPlaceBidOnAssignedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 0, 0)

	job, err := f.svc.AcceptJobDirect(ctx, tech, job.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, job.Status)

	_, err = f.svc.PlaceBid(ctx, tech2, job.ID, 500, "")
	require.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestDuplicateBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	_, err = f.svc.PlaceBid(ctx, tech, job.ID, 9400, "")
	require.ErrorIs(t, err, workflow.ErrDuplicateBid)

	// отклоненная ставка закрывает переговоры техника по заказу
	_, err = f.svc.RejectBid(ctx, dealer, bid.ID)
	require.NoError(t, err)
	_, err = f.svc.PlaceBid(ctx, tech, job.ID, 9000, "")
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.svc.PlaceBid(ctx, tech2, job.ID, 0, "")
	require.ErrorIs(t, err, workflow.ErrValidation)
}

func TestAcceptJobDirectRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.postJob(t, 10000, 30)
	_, err := f.svc.AcceptJobDirect(ctx, tech, paid.ID, false)
	require.ErrorIs(t, err, workflow.ErrTermsNotAccepted)
	require.Equal(t, models.JobPending, f.job(t, paid.ID).Status)

	_, err = f.svc.PlaceBid(ctx, tech2, paid.ID, 9000, "")
	require.NoError(t, err)
	_, err = f.svc.AcceptJobDirect(ctx, tech2, paid.ID, true)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.svc.AcceptJobDirect(ctx, dealer, paid.ID, true)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	job, err := f.svc.AcceptJobDirect(ctx, tech, paid.ID, true)
	require.NoError(t, err)
	require.Equal(t, models.JobWaitingForPayment, job.Status)
	require.NotEmpty(t, job.PaymentIntentID)

	// ставка второго техника закрыта вместе с назначением
	ledger, err := f.svc.ListBidsForJob(ctx, dealer, paid.ID)
	require.NoError(t, err)
	require.Equal(t, models.BidRejected, ledger.Bids[0].Status)

	free := f.postJob(t, 0, 0)
	job, err = f.svc.AcceptJobDirect(ctx, tech, free.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, job.Status)
	require.Empty(t, job.PaymentIntentID)
	require.True(t, job.PaymentLocked)
}

func TestZeroAmountJobUnlocksDetailsOnAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 0, 0)

	view, err := f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	requireGated(t, view)
	require.Nil(t, view.SplitPreview)

	_, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, false)
	require.NoError(t, err)

	view, err = f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.NoError(t, err)
	require.True(t, view.PaymentLocked)
	require.NotNil(t, view.Address)
	require.Equal(t, "Flat 4B, Lake View", *view.Address)
	require.Equal(t, "+91-9800000000", *view.CustomerPhone)

	other, err := f.svc.GetJobForTechnician(ctx, job.ID, tech2.UserID)
	require.NoError(t, err)
	requireGated(t, other)

	// подтверждение оплаты для такого заказа ничего не меняет
	captured, err := f.svc.CapturePayment(ctx, job.ID, "", "pay_zero")
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, captured.Status)
}

func TestAcceptBidRejectsSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	winner, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	loser, err := f.svc.PlaceBid(ctx, tech2, job.ID, 9200, "")
	require.NoError(t, err)
	loserCounter, err := f.svc.CounterOffer(ctx, dealer, loser.ID, 9300)
	require.NoError(t, err)

	assigned, err := f.svc.AcceptBid(ctx, dealer, winner.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobAssigned, assigned.Status)
	require.True(t, assigned.IsAssignedTo(tech.UserID))
	require.Equal(t, int64(9500), assigned.AmountValue())

	ledger, err := f.svc.ListBidsForJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	statuses := map[int64]models.BidStatus{}
	for _, b := range ledger.Bids {
		statuses[b.ID] = b.Status
	}
	require.Equal(t, models.BidAccepted, statuses[winner.ID])
	require.Equal(t, models.BidRejected, statuses[loser.ID])
	require.Equal(t, models.CounterRejected, ledger.CounterOffers[0].Status)

	_, err = f.svc.AcceptCounterOffer(ctx, tech2, loserCounter.ID)
	require.ErrorIs(t, err, workflow.ErrAlreadyAssigned)

	_, err = f.svc.AcceptBid(ctx, dealer, loser.ID)
	require.ErrorIs(t, err, workflow.ErrAlreadyAssigned)
}

func TestRejectCounterOfferKeepsJobOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	counter, err := f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)

	_, err = f.svc.RejectCounterOffer(ctx, tech2, counter.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	rejected, err := f.svc.RejectCounterOffer(ctx, tech, counter.ID)
	require.NoError(t, err)
	require.Equal(t, models.BidRejected, rejected.Status)

	got := f.job(t, job.ID)
	require.Equal(t, models.JobPending, got.Status)
	require.Nil(t, got.AssignedTechnicianID)

	_, err = f.svc.AcceptCounterOffer(ctx, tech, counter.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.svc.PlaceBid(ctx, tech2, job.ID, 9700, "")
	require.NoError(t, err)
}

func TestClosedNegotiationCannotRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)
	counter, err := f.svc.CounterOffer(ctx, dealer, bid.ID, 9800)
	require.NoError(t, err)
	_, err = f.svc.RejectCounterOffer(ctx, tech, counter.ID)
	require.NoError(t, err)

	_, err = f.svc.PlaceBid(ctx, tech, job.ID, 9600, "")
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	ledger, err := f.svc.ListBidsForJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	require.Len(t, ledger.Bids, 1)
	require.Len(t, ledger.CounterOffers, 1)
	require.Equal(t, 1, f.events.count(workflow.EventBidPlaced))

	// другие техники по-прежнему могут торговаться
	other, err := f.svc.PlaceBid(ctx, tech2, job.ID, 9600, "")
	require.NoError(t, err)
	require.Equal(t, models.BidPending, other.Status)
}

func TestCancelJobRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.postJob(t, 10000, 30)
	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 9500, "")
	require.NoError(t, err)

	_, err = f.svc.CancelJob(ctx, models.Actor{UserID: 11, Role: models.RoleDealer}, job.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	cancelled, err := f.svc.CancelJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	ledger, err := f.svc.ListBidsForJob(ctx, dealer, job.ID)
	require.NoError(t, err)
	require.Equal(t, bid.ID, ledger.Bids[0].ID)
	require.Equal(t, models.BidRejected, ledger.Bids[0].Status)

	_, err = f.svc.GetJobForTechnician(ctx, job.ID, tech.UserID)
	require.ErrorIs(t, err, workflow.ErrNotFound)
	_, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.ErrorIs(t, err, workflow.ErrInvalidState)
	_, err = f.svc.CancelJob(ctx, dealer, job.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	started := f.postJob(t, 0, 0)
	_, err = f.svc.AcceptJobDirect(ctx, tech, started.ID, false)
	require.NoError(t, err)
	_, err = f.svc.StartJob(ctx, tech, started.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelJob(ctx, admin, started.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)
	require.Equal(t, models.JobInProgress, f.job(t, started.ID).Status)
}

func TestStartJobRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 0, 0)

	_, err := f.svc.StartJob(ctx, tech, job.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, false)
	require.NoError(t, err)

	_, err = f.svc.StartJob(ctx, tech2, job.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	started, err := f.svc.StartJob(ctx, tech, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobInProgress, started.Status)
	require.Equal(t, 1, f.events.count(workflow.EventJobStarted))
}

func TestApproveRequiresCapturedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 5000, 10)

	bid, err := f.svc.PlaceBid(ctx, tech, job.ID, 5000, "")
	require.NoError(t, err)
	job, err = f.svc.AcceptBid(ctx, dealer, bid.ID)
	require.NoError(t, err)
	require.False(t, job.PaymentLocked)

	_, err = f.svc.StartJob(ctx, tech, job.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitCompletion(ctx, tech, job.ID)
	require.NoError(t, err)

	_, _, err = f.svc.ApproveCompletion(ctx, dealer, job.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = f.svc.CapturePayment(ctx, job.ID, job.PaymentIntentID, "pay_late")
	require.NoError(t, err)
	require.Equal(t, models.JobCompletionPendingApproval, f.job(t, job.ID).Status)

	_, split, err := f.svc.ApproveCompletion(ctx, dealer, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4000), split.ImmediateRelease)
	require.Equal(t, int64(1000), split.WarrantyHold)
}

func TestCapturePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)

	_, err := f.svc.CapturePayment(ctx, job.ID, "pi_x", "pay_1")
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	job, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)

	_, err = f.svc.CapturePayment(ctx, job.ID, "pi_other", "pay_1")
	require.ErrorIs(t, err, workflow.ErrValidation)

	for n := 0; n < 3; n++ {
		got, err := f.svc.CapturePayment(ctx, job.ID, job.PaymentIntentID, "pay_1")
		require.NoError(t, err)
		require.Equal(t, models.JobAssigned, got.Status)
		require.True(t, got.PaymentLocked)
	}
	require.Equal(t, 1, f.events.count(workflow.EventPaymentCaptured))
}

func TestOnJobCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 9999, 15)

	_, err := f.svc.OnJobCompleted(ctx, job.ID)
	require.ErrorIs(t, err, workflow.ErrInvalidState)

	job, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	first := f.completeJob(t, job, tech)
	require.Equal(t, first.TotalAmount, first.ImmediateRelease+first.WarrantyHold)

	f.clock.Advance(time.Hour)
	again, err := f.svc.OnJobCompleted(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, first.ImmediateRelease, again.ImmediateRelease)
	require.Equal(t, first.WarrantyReleaseDueAt, again.WarrantyReleaseDueAt)
}

func TestZeroHoldReleasedOnCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 0, 30)

	job, err := f.svc.AcceptJobDirect(ctx, tech, job.ID, false)
	require.NoError(t, err)
	split := f.completeJob(t, job, tech)
	require.Equal(t, models.WarrantyReleased, split.WarrantyStatus)

	res, err := f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseRepeated, res.Outcome)
}

func TestDisputeDefersRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)
	job, err := f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	f.completeJob(t, job, tech)

	_, err = f.svc.OpenDispute(ctx, dealer, job.ID, "")
	require.ErrorIs(t, err, workflow.ErrValidation)
	_, err = f.svc.OpenDispute(ctx, tech, job.ID, "leaking")
	require.ErrorIs(t, err, workflow.ErrForbidden)

	dispute, err := f.svc.OpenDispute(ctx, dealer, job.ID, "unit is leaking again")
	require.NoError(t, err)
	require.Equal(t, models.DisputeOpen, dispute.Status)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseDisputed, res.Outcome)
	require.Equal(t, models.WarrantyHeld, res.Split.WarrantyStatus)

	released, err := f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	_, err = f.svc.ResolveDispute(ctx, dealer, dispute.ID, workflow.OutcomeTechnician)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	resolved, err := f.svc.ResolveDispute(ctx, admin, dispute.ID, workflow.OutcomeTechnician)
	require.NoError(t, err)
	require.Equal(t, models.DisputeResolvedTechnician, resolved.Status)

	split, err := f.svc.GetPaymentSplit(ctx, tech, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.WarrantyReleased, split.WarrantyStatus)
	require.Equal(t, 1, f.events.count(workflow.EventWarrantyReleased))

	_, err = f.svc.ResolveDispute(ctx, admin, dispute.ID, workflow.OutcomeDealer)
	require.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestDisputeResolvedForDealerRefundsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 10000, 30)
	job, err := f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	f.completeJob(t, job, tech)

	dispute, err := f.svc.OpenDispute(ctx, dealer, job.ID, "no-show for service visit")
	require.NoError(t, err)
	_, err = f.svc.ResolveDispute(ctx, admin, dispute.ID, workflow.OutcomeDealer)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	res, err := f.svc.ReleaseWarrantyHold(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ReleaseRefunded, res.Outcome)
	require.Equal(t, models.WarrantyRefunded, res.Split.WarrantyStatus)
	require.Zero(t, f.events.count(workflow.EventWarrantyReleased))

	_, err = f.svc.OpenDispute(ctx, dealer, job.ID, "again")
	require.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestReleaseDueWarrantyHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short := f.postJob(t, 1000, 7)
	long := f.postJob(t, 2000, 60)
	for _, j := range []*models.Job{short, long} {
		accepted, err := f.svc.AcceptJobDirect(ctx, tech, j.ID, true)
		require.NoError(t, err)
		f.completeJob(t, accepted, tech)
	}

	released, err := f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	f.clock.Advance(8 * 24 * time.Hour)
	released, err = f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	split, err := f.svc.GetPaymentSplit(ctx, dealer, long.ID)
	require.NoError(t, err)
	require.Equal(t, models.WarrantyHeld, split.WarrantyStatus)

	f.clock.Advance(60 * 24 * time.Hour)
	released, err = f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	released, err = f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
}

func TestSweepNotBlockedByDisputedHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// споров больше, чем помещается в один проход
	const disputed = 500
	for i := 0; i < disputed; i++ {
		job, err := f.svc.AcceptJobDirect(ctx, tech, f.postJob(t, 1000, 30).ID, true)
		require.NoError(t, err)
		f.completeJob(t, job, tech)
		_, err = f.svc.OpenDispute(ctx, dealer, job.ID, "compressor noise")
		require.NoError(t, err)
	}

	f.clock.Advance(time.Hour)
	clean, err := f.svc.AcceptJobDirect(ctx, tech, f.postJob(t, 1000, 30).ID, true)
	require.NoError(t, err)
	f.completeJob(t, clean, tech)

	f.clock.Advance(31 * 24 * time.Hour)
	released, err := f.svc.ReleaseDueWarrantyHolds(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	split, err := f.svc.GetPaymentSplit(ctx, dealer, clean.ID)
	require.NoError(t, err)
	require.Equal(t, models.WarrantyReleased, split.WarrantyStatus)
}

func TestGetPaymentSplitAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.postJob(t, 1000, 7)

	_, err := f.svc.GetPaymentSplit(ctx, dealer, job.ID)
	require.ErrorIs(t, err, workflow.ErrNotFound)

	job, err = f.svc.AcceptJobDirect(ctx, tech, job.ID, true)
	require.NoError(t, err)
	f.completeJob(t, job, tech)

	_, err = f.svc.GetPaymentSplit(ctx, tech2, job.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = f.svc.GetPaymentSplit(ctx, admin, job.ID)
	require.NoError(t, err)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateJob(ctx, dealer, workflow.NewJob{Title: " "})
	require.ErrorIs(t, err, workflow.ErrValidation)
	_, err = f.svc.CreateJob(ctx, dealer, workflow.NewJob{Title: "x", Amount: ptr(int64(-1))})
	require.ErrorIs(t, err, workflow.ErrValidation)
	_, err = f.svc.CreateJob(ctx, dealer, workflow.NewJob{Title: "x", Latitude: 91})
	require.ErrorIs(t, err, workflow.ErrValidation)
	_, err = f.svc.CreateJob(ctx, tech, workflow.NewJob{Title: "x"})
	require.ErrorIs(t, err, workflow.ErrForbidden)
	_, err = f.svc.CreateJob(ctx, models.Actor{UserID: 99, Role: models.RoleDealer}, workflow.NewJob{Title: "x"})
	require.ErrorIs(t, err, workflow.ErrNotFound)

	job, err := f.svc.CreateJob(ctx, dealer, workflow.NewJob{Title: "No price yet"})
	require.NoError(t, err)
	require.Nil(t, job.Amount)
	require.Regexp(t, `^JOB-[0-9A-F]{8}$`, job.JobNumber)

	_, err = f.svc.GetJobForDealer(ctx, models.Actor{UserID: 11, Role: models.RoleDealer}, job.ID)
	require.ErrorIs(t, err, workflow.ErrForbidden)

	_, err = f.svc.CreateDealer(ctx, admin, workflow.NewDealer{ID: dealer.UserID, Name: "dup"})
	require.ErrorIs(t, err, workflow.ErrValidation)
}

type brokenStore struct{}

func (brokenStore) InTx(context.Context, func(tx db.Tx) error) error {
	return errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestStorageFailureIsInternal(t *testing.T) {
	svc := workflow.New(brokenStore{})

	_, err := svc.PlaceBid(context.Background(), tech, 1, 100, "")
	require.ErrorIs(t, err, workflow.ErrInternal)
	require.Equal(t, workflow.CodeInternal, workflow.CodeOf(err))

	var werr *workflow.Error
	require.ErrorAs(t, err, &werr)
	require.NotContains(t, werr.Message, "10.0.0.5")
}
