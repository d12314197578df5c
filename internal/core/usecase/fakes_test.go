package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memDocumentRepo applies the same claim and eligibility rules as the postgres repository.
type memDocumentRepo struct {
	mu       sync.Mutex
	clock    *fakeClock
	docs     map[int64]*domain.Document
	nextID   int64
	getCalls int
	setCalls []domain.ProcessingStatus

	findErr   error
	stageErr  error
	duplicate bool
}

func newMemDocumentRepo(clock *fakeClock, docs ...domain.Document) *memDocumentRepo {
	r := &memDocumentRepo{clock: clock, docs: make(map[int64]*domain.Document)}
	for i := range docs {
		doc := docs[i]
		if doc.Status == "" {
			doc.Status = domain.StatusNotProcessing
		}
		r.docs[doc.ID] = &doc
		if doc.ID > r.nextID {
			r.nextID = doc.ID
		}
	}
	return r
}

func (r *memDocumentRepo) get(id int64) domain.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := *r.docs[id]
	doc.History = append([]domain.StageHistoryEntry(nil), doc.History...)
	return doc
}

func (r *memDocumentRepo) Create(_ context.Context, doc *domain.Document) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.docs {
		if existing.ClientGroupID == doc.ClientGroupID && existing.MessageID == doc.MessageID && existing.FileName == doc.FileName {
			return false, nil
		}
	}
	r.nextID++
	doc.ID = r.nextID
	stored := *doc
	r.docs[doc.ID] = &stored
	return true, nil
}

func (r *memDocumentRepo) GetByID(_ context.Context, id int64) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%d", id))
	}
	copyDoc := *doc
	return &copyDoc, nil
}

func (r *memDocumentRepo) FindEligible(_ context.Context, stage domain.Stage, cutoff time.Time, limit int) ([]domain.Document, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Document
	for _, doc := range r.docs {
		if doc.EligibleFor(stage, cutoff) {
			out = append(out, *doc)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memDocumentRepo) Claim(_ context.Context, id int64, stage domain.Stage, eligibleBefore, leaseExpiredBefore time.Time) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Stage != stage {
		return time.Time{}, false, nil
	}
	idle := doc.Status == domain.StatusNotProcessing && (doc.UpdatedAt == nil || doc.UpdatedAt.Before(eligibleBefore))
	abandoned := doc.Status == domain.StatusProcessing && doc.UpdatedAt != nil && doc.UpdatedAt.Before(leaseExpiredBefore)
	if !idle && !abandoned {
		return time.Time{}, false, nil
	}
	now := r.clock.Now()
	doc.Status = domain.StatusProcessing
	doc.UpdatedAt = &now
	return now, true, nil
}

func (r *memDocumentRepo) Release(_ context.Context, id int64, claimedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok || doc.Status != domain.StatusProcessing || doc.UpdatedAt == nil || !doc.UpdatedAt.Equal(claimedAt) {
		return false, nil
	}
	doc.Status = domain.StatusNotProcessing
	return true, nil
}

func (r *memDocumentRepo) SetStatus(_ context.Context, id int64, status domain.ProcessingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setCalls = append(r.setCalls, status)
	doc, ok := r.docs[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	doc.Status = status
	return nil
}

func (r *memDocumentRepo) ChangeStage(_ context.Context, doc *domain.Document, from domain.Stage, entry domain.StageHistoryEntry) error {
	if r.stageErr != nil {
		return r.stageErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.docs[doc.ID]
	if !ok || stored.Stage != from {
		return domain.WrapError(domain.ErrConflict, "change stage", errors.New("stage moved"))
	}
	if lease, held := doc.Lease(); held {
		if stored.Status != domain.StatusProcessing || stored.UpdatedAt == nil || !stored.UpdatedAt.Equal(lease) {
			return domain.WrapError(domain.ErrConflict, "change stage", errors.New("lease taken over"))
		}
	}
	history := append(stored.History, entry)
	*stored = *doc
	stored.Status = domain.StatusNotProcessing
	stored.UpdatedAt = nil
	stored.History = history
	return nil
}

func (r *memDocumentRepo) AppendHistory(_ context.Context, id int64, entry domain.StageHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	doc.History = append(doc.History, entry)
	return nil
}

func (r *memDocumentRepo) ExistsWithText(context.Context, int64, string, int64) (bool, error) {
	return r.duplicate, nil
}

func (r *memDocumentRepo) ListByStages(_ context.Context, stages []domain.Stage, _ int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Document
	for _, doc := range r.docs {
		for _, s := range stages {
			if doc.Stage == s {
				out = append(out, *doc)
			}
		}
	}
	return out, nil
}

func (r *memDocumentRepo) ListDownloadCleanup(_ context.Context, excluded []domain.Stage, _ int) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Document
outer:
	for _, doc := range r.docs {
		for _, s := range excluded {
			if doc.Stage == s {
				continue outer
			}
		}
		if doc.DownloadPath == "" || doc.HasHistory(domain.StageDeletedFromDownload) {
			continue
		}
		out = append(out, *doc)
	}
	return out, nil
}

type groupRepoFake struct {
	mu         sync.Mutex
	groups     map[int64]*domain.ClientGroup
	processing int
	claimOK    bool
	released   []int64
	watermarks map[int64]time.Time
	getErr     error
}

func newGroupRepoFake(groups ...domain.ClientGroup) *groupRepoFake {
	f := &groupRepoFake{groups: make(map[int64]*domain.ClientGroup), claimOK: true, watermarks: make(map[int64]time.Time)}
	for i := range groups {
		g := groups[i]
		f.groups[g.ID] = &g
	}
	return f
}

func (f *groupRepoFake) GetByID(_ context.Context, id int64) (*domain.ClientGroup, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, domain.ErrClientGroupNotFound
	}
	copyGroup := *g
	return &copyGroup, nil
}

func (f *groupRepoFake) GetByUUID(_ context.Context, uuid string) (*domain.ClientGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.UUID == uuid {
			copyGroup := *g
			return &copyGroup, nil
		}
	}
	return nil, domain.WrapError(domain.ErrClientGroupNotFound, "get client group", fmt.Errorf("uuid=%s", uuid))
}

func (f *groupRepoFake) Upsert(_ context.Context, group *domain.ClientGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if group.ID == 0 {
		group.ID = int64(len(f.groups) + 1)
	}
	copyGroup := *group
	f.groups[group.ID] = &copyGroup
	return nil
}

func (f *groupRepoFake) CountProcessing(context.Context, time.Time) (int, error) {
	return f.processing, nil
}

func (f *groupRepoFake) FindEligible(_ context.Context, _ time.Time, limit int) ([]domain.ClientGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ClientGroup
	for _, g := range f.groups {
		if len(out) == limit {
			break
		}
		out = append(out, *g)
	}
	return out, nil
}

func (f *groupRepoFake) Claim(context.Context, int64, time.Time) (bool, error) {
	return f.claimOK, nil
}

func (f *groupRepoFake) SetStatus(_ context.Context, id int64, _ domain.ProcessingStatus) error {
	f.mu.Lock()
	f.released = append(f.released, id)
	f.mu.Unlock()
	return nil
}

func (f *groupRepoFake) UpdateLastMailRead(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	f.watermarks[id] = at
	f.mu.Unlock()
	return nil
}

func (f *groupRepoFake) SaveToken(context.Context, int64, string) error { return nil }

type companyRepoFake struct {
	companies []domain.Company
	listErr   error
	listCalls int
	upserted  []domain.Company
}

func (f *companyRepoFake) ListByClientGroup(context.Context, int64) ([]domain.Company, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.companies, nil
}

func (f *companyRepoFake) GetByUUID(_ context.Context, uuid string) (*domain.Company, error) {
	for i := range f.companies {
		if f.companies[i].UUID == uuid {
			return &f.companies[i], nil
		}
	}
	return nil, domain.ErrCompanyNotFound
}

func (f *companyRepoFake) Upsert(_ context.Context, company *domain.Company) error {
	f.upserted = append(f.upserted, *company)
	return nil
}

func (f *companyRepoFake) SetActive(ctx context.Context, uuid string, active bool) (*domain.Company, error) {
	company, err := f.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	company.Active = active
	return company, nil
}

type eventsFake struct {
	mu       sync.Mutex
	stages   []domain.StageEvent
	companys []int64
	err      error
}

func (f *eventsFake) PublishStageChanged(_ context.Context, event domain.StageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, event)
	return f.err
}

func (f *eventsFake) PublishCompaniesChanged(_ context.Context, clientGroupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companys = append(f.companys, clientGroupID)
	return f.err
}

type metricsFake struct {
	mu          sync.Mutex
	outcomes    []string
	transitions int
	ticks       int
}

func (f *metricsFake) ObserveTick(string, int, time.Duration, error) {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
}

func (f *metricsFake) ItemStarted(string) {}

func (f *metricsFake) ItemFinished(_ string, outcome string) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
}

func (f *metricsFake) ObserveItem(_ string, outcome string) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
}

func (f *metricsFake) ObserveTransition(domain.Stage, domain.Stage) {
	f.mu.Lock()
	f.transitions++
	f.mu.Unlock()
}

type fileStorageFake struct {
	mu      sync.Mutex
	files   map[string]string
	removed []string
	saveErr error
}

func newFileStorageFake() *fileStorageFake {
	return &fileStorageFake{files: make(map[string]string)}
}

func (f *fileStorageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[key] = string(raw)
	f.mu.Unlock()
	return nil
}

func (f *fileStorageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.files[key]
	if !ok {
		return nil, errors.New("missing file")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fileStorageFake) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[key]
	return ok, nil
}

func (f *fileStorageFake) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	f.removed = append(f.removed, key)
	return nil
}

// handlerFunc adapts a function to StageHandler.
type handlerFunc struct {
	stage domain.Stage
	fn    func(context.Context, *domain.Document) (domain.Stage, error)
	mu    sync.Mutex
	calls int
}

func (h *handlerFunc) Stage() domain.Stage { return h.stage }

func (h *handlerFunc) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.fn(ctx, doc)
}

func (h *handlerFunc) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
