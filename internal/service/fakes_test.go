package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sakif/leadsync/internal/apperror"
	"github.com/sakif/leadsync/internal/model"
	"github.com/sakif/leadsync/internal/repository"
	"github.com/sakif/leadsync/internal/zoho"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================
//
// Repositories are hand-written in-memory fakes: the services' behaviour
// depends on what was stored, which a call-expectation mock expresses badly.
// The mailing list is a testify mock, because there we care about exactly
// which contacts were sent and how often.

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLeadRepo struct {
	mu     sync.Mutex
	leads  map[string]*model.Lead // keyed by normalized email
	nextID int

	upsertErr error
	findErr   error
}

func newFakeLeadRepo() *fakeLeadRepo {
	return &fakeLeadRepo{leads: make(map[string]*model.Lead)}
}

func (f *fakeLeadRepo) UpsertLead(_ context.Context, in repository.LeadInput) (*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	lead, ok := f.leads[in.EmailNormalized]
	if !ok {
		f.nextID++
		lead = &model.Lead{ID: fmt.Sprintf("lead-%d", f.nextID), CreatedAt: testNow}
		f.leads[in.EmailNormalized] = lead
	}
	lead.Name = in.Name
	lead.Email = in.EmailNormalized
	lead.EmailNormalized = in.EmailNormalized
	if in.Phone != nil {
		lead.Phone = in.Phone
	}
	lead.UpdatedAt = testNow
	out := *lead
	return &out, nil
}

func (f *fakeLeadRepo) FindLeadByEmail(_ context.Context, email string) (*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	lead, ok := f.leads[email]
	if !ok {
		return nil, apperror.NotFound("lead", email)
	}
	out := *lead
	return &out, nil
}

func (f *fakeLeadRepo) byID(id string) *model.Lead {
	for _, l := range f.leads {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (f *fakeLeadRepo) MarkLeadSynced(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.byID(id)
	if lead == nil {
		return apperror.NotFound("lead", id)
	}
	if lead.ZohoSyncedAt == nil {
		at := testNow
		lead.ZohoSyncedAt = &at
	}
	lead.ZohoLastError = nil
	return nil
}

func (f *fakeLeadRepo) MarkLeadFailed(_ context.Context, id, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.byID(id)
	if lead == nil {
		return apperror.NotFound("lead", id)
	}
	lead.ZohoLastError = &msg
	return nil
}

func (f *fakeLeadRepo) MarkLoginInitiated(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead := f.byID(id)
	if lead == nil {
		return apperror.NotFound("lead", id)
	}
	at := testNow
	lead.LoginInitiatedAt = &at
	lead.LoginInitiatedCount++
	return nil
}

func (f *fakeLeadRepo) ListUnsyncedLeads(_ context.Context, limit int) ([]model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Lead
	for _, l := range f.leads {
		if l.ZohoSyncedAt == nil {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// get returns the stored lead for assertions.
func (f *fakeLeadRepo) get(email string) *model.Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead, ok := f.leads[email]
	if !ok {
		return nil
	}
	out := *lead
	return &out
}

// seed stores a lead directly.
func (f *fakeLeadRepo) seed(lead model.Lead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if lead.ID == "" {
		lead.ID = fmt.Sprintf("lead-%d", f.nextID)
	}
	f.leads[lead.EmailNormalized] = &lead
}

type fakeUserRepo struct {
	mu         sync.Mutex
	users      map[string]*model.User // keyed by internal ID
	nextID     int
	creates    int
	updates    int
	getErr     error
	createErr  error
	onCreate   func()          // runs before a create, to simulate a racing insert
	afterGet   func(id string) // runs after a lookup by subject, to simulate a racing writer
	subscribed int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (f *fakeUserRepo) insert(p repository.UserProfile) *model.User {
	f.nextID++
	u := &model.User{
		ID:         fmt.Sprintf("user-%d", f.nextID),
		ExternalID: p.ExternalID,
		Email:      p.Email,
		Name:       p.Name,
		ImageURL:   p.ImageURL,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	f.users[u.ID] = u
	return u
}

func (f *fakeUserRepo) CreateUser(_ context.Context, p repository.UserProfile) (*model.User, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, u := range f.users {
		if u.ExternalID == p.ExternalID {
			return nil, apperror.Conflict("user", p.ExternalID)
		}
	}
	f.creates++
	out := *f.insert(p)
	return &out, nil
}

func (f *fakeUserRepo) UpdateUserProfile(_ context.Context, id string, p repository.UserProfile) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	f.updates++
	u.Email, u.Name, u.ImageURL = p.Email, p.Name, p.ImageURL
	out := *u
	return &out, nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	out := *u
	return &out, nil
}

func (f *fakeUserRepo) GetUserByExternalID(_ context.Context, externalID string) (*model.User, error) {
	u, err := f.lookupExternal(externalID)
	if err == nil && f.afterGet != nil {
		f.afterGet(u.ID)
	}
	return u, err
}

func (f *fakeUserRepo) lookupExternal(externalID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, u := range f.users {
		if u.ExternalID == externalID {
			out := *u
			return &out, nil
		}
	}
	return nil, apperror.NotFound("user", externalID)
}

func (f *fakeUserRepo) MarkUserSubscribed(_ context.Context, id string, at time.Time) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	if u.ZohoSubscribedAt == nil {
		u.ZohoSubscribedAt = &at
		f.subscribed++
	}
	out := *u
	return &out, nil
}

// seedUser stores a user directly.
func (f *fakeUserRepo) seedUser(p repository.UserProfile) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := *f.insert(p)
	return &out
}

// mockSubscriber is a testify mock of zoho.Subscriber.
type mockSubscriber struct {
	mock.Mock
}

var _ zoho.Subscriber = (*mockSubscriber)(nil)

func (m *mockSubscriber) Subscribe(ctx context.Context, c zoho.Contact) (*zoho.Result, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*zoho.Result), args.Error(1)
}

func strPtr(s string) *string { return &s }
