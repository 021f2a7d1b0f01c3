package db

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"jobboard/models"
)

// MemoryStorage - реализация Store в памяти (тесты и STORE_TYPE=memory).
// Транзакции выполняются строго по очереди над копией состояния,
// копия применяется только при успешном завершении fn.
type MemoryStorage struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	nextID   int64
	dealers  map[int64]models.Dealer
	jobs     map[int64]models.Job
	bids     map[int64]models.Bid
	counters map[int64]models.CounterOffer
	splits   map[int64]models.PaymentSplit
	disputes map[int64]models.Dispute
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{state: &memState{
		dealers:  make(map[int64]models.Dealer),
		jobs:     make(map[int64]models.Job),
		bids:     make(map[int64]models.Bid),
		counters: make(map[int64]models.CounterOffer),
		splits:   make(map[int64]models.PaymentSplit),
		disputes: make(map[int64]models.Dispute),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:   s.nextID,
		dealers:  maps.Clone(s.dealers),
		jobs:     maps.Clone(s.jobs),
		bids:     maps.Clone(s.bids),
		counters: maps.Clone(s.counters),
		splits:   maps.Clone(s.splits),
		disputes: maps.Clone(s.disputes),
	}
}

func (s *MemoryStorage) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) id() int64 {
	t.st.nextID++
	return t.st.nextID
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateDealer использует ID пользователя, выданный сервисом авторизации
func (t *memTx) CreateDealer(ctx context.Context, d *models.Dealer) error {
	if _, ok := t.st.dealers[d.ID]; ok {
		return ErrDuplicate
	}
	d.CreatedAt = now()
	t.st.dealers[d.ID] = *d
	return nil
}

func (t *memTx) GetDealer(ctx context.Context, id int64) (*models.Dealer, error) {
	d, ok := t.st.dealers[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &d, nil
}

func (t *memTx) CreateJob(ctx context.Context, j *models.Job) error {
	j.ID = t.id()
	j.CreatedAt = now()
	j.UpdatedAt = j.CreatedAt
	t.st.jobs[j.ID] = *j
	return nil
}

func (t *memTx) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &j, nil
}

func (t *memTx) LockJob(ctx context.Context, id int64) (*models.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *memTx) UpdateJob(ctx context.Context, j *models.Job) error {
	if _, ok := t.st.jobs[j.ID]; !ok {
		return models.ErrNotFound
	}
	j.UpdatedAt = now()
	t.st.jobs[j.ID] = *j
	return nil
}

func (t *memTx) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error) {
	jobs := []models.Job{}
	for _, j := range t.st.jobs {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID > jobs[b].ID })
	return page(jobs, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (t *memTx) CreateBid(ctx context.Context, b *models.Bid) error {
	b.ID = t.id()
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt
	t.st.bids[b.ID] = *b
	return nil
}

func (t *memTx) GetBid(ctx context.Context, id int64) (*models.Bid, error) {
	b, ok := t.st.bids[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &b, nil
}

func (t *memTx) UpdateBid(ctx context.Context, b *models.Bid) error {
	if _, ok := t.st.bids[b.ID]; !ok {
		return models.ErrNotFound
	}
	b.UpdatedAt = now()
	t.st.bids[b.ID] = *b
	return nil
}

func (t *memTx) ListBidsForJob(ctx context.Context, jobID int64) ([]models.Bid, error) {
	bids := []models.Bid{}
	for _, b := range t.st.bids {
		if b.JobID == jobID {
			bids = append(bids, b)
		}
	}
	sort.Slice(bids, func(a, b int) bool { return bids[a].ID < bids[b].ID })
	return bids, nil
}

func (t *memTx) FindActiveBid(ctx context.Context, jobID, technicianID int64) (*models.Bid, error) {
	var found *models.Bid
	for _, b := range t.st.bids {
		if b.JobID != jobID || b.TechnicianID != technicianID || b.Status.Terminal() {
			continue
		}
		if found == nil || b.ID > found.ID {
			found = &b
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	return found, nil
}

func (t *memTx) CreateCounterOffer(ctx context.Context, c *models.CounterOffer) error {
	c.ID = t.id()
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	t.st.counters[c.ID] = *c
	return nil
}

func (t *memTx) GetCounterOffer(ctx context.Context, id int64) (*models.CounterOffer, error) {
	c, ok := t.st.counters[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) UpdateCounterOffer(ctx context.Context, c *models.CounterOffer) error {
	if _, ok := t.st.counters[c.ID]; !ok {
		return models.ErrNotFound
	}
	c.UpdatedAt = now()
	t.st.counters[c.ID] = *c
	return nil
}

func (t *memTx) ListCounterOffersForJob(ctx context.Context, jobID int64) ([]models.CounterOffer, error) {
	offers := []models.CounterOffer{}
	for _, c := range t.st.counters {
		if c.JobID == jobID {
			offers = append(offers, c)
		}
	}
	sort.Slice(offers, func(a, b int) bool { return offers[a].ID < offers[b].ID })
	return offers, nil
}

func (t *memTx) CreatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error {
	if _, ok := t.st.splits[p.JobID]; ok {
		return ErrDuplicate
	}
	p.CreatedAt = now()
	t.st.splits[p.JobID] = *p
	return nil
}

func (t *memTx) GetPaymentSplit(ctx context.Context, jobID int64) (*models.PaymentSplit, error) {
	p, ok := t.st.splits[jobID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePaymentSplit(ctx context.Context, p *models.PaymentSplit) error {
	if _, ok := t.st.splits[p.JobID]; !ok {
		return models.ErrNotFound
	}
	t.st.splits[p.JobID] = *p
	return nil
}

func (t *memTx) ListDueWarrantyHolds(ctx context.Context, at time.Time, limit int) ([]int64, error) {
	disputed := make(map[int64]bool)
	for _, d := range t.st.disputes {
		if d.Status == models.DisputeOpen {
			disputed[d.JobID] = true
		}
	}
	due := []models.PaymentSplit{}
	for _, p := range t.st.splits {
		if p.WarrantyStatus == models.WarrantyHeld && !p.WarrantyReleaseDueAt.After(at) && !disputed[p.JobID] {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		return due[a].WarrantyReleaseDueAt.Before(due[b].WarrantyReleaseDueAt)
	})
	due = page(due, limit, 0)
	ids := make([]int64, 0, len(due))
	for _, p := range due {
		ids = append(ids, p.JobID)
	}
	return ids, nil
}

func (t *memTx) CreateDispute(ctx context.Context, d *models.Dispute) error {
	d.ID = t.id()
	d.CreatedAt = now()
	t.st.disputes[d.ID] = *d
	return nil
}

func (t *memTx) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	d, ok := t.st.disputes[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &d, nil
}

func (t *memTx) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	if _, ok := t.st.disputes[d.ID]; !ok {
		return models.ErrNotFound
	}
	t.st.disputes[d.ID] = *d
	return nil
}

func (t *memTx) CountOpenDisputes(ctx context.Context, jobID int64) (int, error) {
	count := 0
	for _, d := range t.st.disputes {
		if d.JobID == jobID && d.Status == models.DisputeOpen {
			count++
		}
	}
	return count, nil
}
