package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mathhhys/blue-byte-booster/internal/billing"
	"github.com/mathhhys/blue-byte-booster/internal/database/databasetest"
	"github.com/mathhhys/blue-byte-booster/internal/identity"
	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// fakeProvider is an in-memory billing provider.
type fakeProvider struct {
	mu sync.Mutex
	// customers maps organization to customer, subs customer to its current
	// subscription, byID subscription id to subscription.
	customers map[string]string
	subs      map[string]*billing.Subscription
	byID      map[string]*billing.Subscription
	invoices  map[string][]billing.Invoice
	err       error
	delay     time.Duration
	calls     atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers: map[string]string{},
		subs:      map[string]*billing.Subscription{},
		byID:      map[string]*billing.Subscription{},
		invoices:  map[string][]billing.Invoice{},
	}
}

func (p *fakeProvider) addSubscription(orgID string, sub billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{"organization_id": orgID}
	}
	p.customers[orgID] = sub.CustomerRef
	p.subs[sub.CustomerRef] = &sub
	p.byID[sub.ID] = &sub
}

func (p *fakeProvider) wait(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func (p *fakeProvider) FindCustomer(ctx context.Context, orgID string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.customers[orgID]; ok {
		return c, nil
	}
	return "", billing.ErrNotFound
}

func (p *fakeProvider) FetchSubscription(ctx context.Context, customerRef string) (*billing.Subscription, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[customerRef]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, billing.ErrNotFound
}

func (p *fakeProvider) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, billing.ErrNotFound
}

func (p *fakeProvider) ListInvoices(ctx context.Context, id string) ([]billing.Invoice, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoices[id], nil
}

// fakeInviter records invitations; err makes every call fail and block
// makes calls wait for their deadline.
type fakeInviter struct {
	mu    sync.Mutex
	sent  []string
	err   error
	block bool
}

func (i *fakeInviter) CreateInvitation(ctx context.Context, orgID, email, role string) (*identity.Invitation, error) {
	if i.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i.err != nil {
		return nil, i.err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, email)
	return &identity.Invitation{ID: "inv_" + email, Status: "pending"}, nil
}

type fixture struct {
	db        *sql.DB
	ents      *repository.EntitlementRepo
	seatRepo  *repository.SeatRepo
	credits   *repository.CreditRepo
	events    *repository.ProcessedEventRepo
	customers *repository.BillingCustomerRepo

	provider *fakeProvider
	inviter  *fakeInviter

	ledger     *Ledger
	resync     *Resyncer
	seats      *SeatService
	invites    *InvitationService
	guard      *Guard
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := databasetest.New(t)
	f := &fixture{
		db:        db,
		ents:      repository.NewEntitlementRepo(db),
		seatRepo:  repository.NewSeatRepo(db),
		credits:   repository.NewCreditRepo(db),
		events:    repository.NewProcessedEventRepo(db),
		customers: repository.NewBillingCustomerRepo(db),
		provider:  newFakeProvider(),
		inviter:   &fakeInviter{},
	}
	f.ledger = NewLedger(db, f.ents, f.credits, f.seatRepo)
	f.resync = NewResyncer(db, f.ents, f.customers, f.provider, time.Second)
	f.seats = NewSeatService(db, f.ents, f.seatRepo, f.resync, time.Hour)
	f.invites = NewInvitationService(f.seats, f.seatRepo, f.inviter, 200*time.Millisecond)
	f.guard = NewGuard(f.events, f.credits, nil, time.Minute)
	f.reconciler = NewReconciler(ReconcilerDeps{
		DB:        db,
		Guard:     f.guard,
		Ledger:    f.ledger,
		Ents:      f.ents,
		Customers: f.customers,
		Resync:    f.resync,
		Provider:  f.provider,
		Timeout:   time.Second,
	})
	return f
}

func (f *fixture) seedEntitlement(t *testing.T, orgID string, total, overage int) *model.Entitlement {
	t.Helper()
	e := &model.Entitlement{
		OrganizationID:   orgID,
		PlanType:         "teams",
		BillingFrequency: model.Monthly,
		SeatsTotal:       total,
		OverageSeats:     overage,
		Status:           model.StatusActive,
	}
	require.NoError(t, withTx(context.Background(), f.db, func(tx *sql.Tx) error {
		return f.ents.CreateTx(context.Background(), tx, e)
	}))
	return e
}

func (f *fixture) entitlement(t *testing.T, orgID string) *model.Entitlement {
	t.Helper()
	e, err := f.ents.GetByOrg(context.Background(), f.db, orgID)
	require.NoError(t, err)
	return e
}

// liveSeats counts pending and active seats straight from the seats table.
func (f *fixture) liveSeats(t *testing.T, orgID string) int {
	t.Helper()
	n, err := f.seatRepo.CountLive(context.Background(), f.db, orgID)
	require.NoError(t, err)
	return n
}

var errProviderDown = errors.New("provider unavailable")
