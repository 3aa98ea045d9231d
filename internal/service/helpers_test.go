package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/store"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubGateway struct {
	mu        sync.Mutex
	createErr error
	statuses  map[string]models.TxStatus
	destroyed []string
	created   []payment.SessionRequest
}

func newStubGateway() *stubGateway {
	return &stubGateway{statuses: make(map[string]models.TxStatus)}
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	id := fmt.Sprintf("sess_%d", req.TxID)
	g.statuses[id] = models.StatusCreated
	return &payment.Session{ID: id, CheckoutURL: "https://pay.example/" + id}, nil
}

func (g *stubGateway) QuerySessionStatus(_ context.Context, sessionID string) (models.TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[sessionID]
	if !ok {
		return "", payment.ErrSessionNotFound
	}
	return status, nil
}

func (g *stubGateway) DestroySession(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.statuses[sessionID]; !ok {
		return payment.ErrSessionNotFound
	}
	g.destroyed = append(g.destroyed, sessionID)
	g.statuses[sessionID] = models.StatusCancelled
	return nil
}

func (g *stubGateway) settle(sessionID string, status models.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[sessionID] = status
}

type recordingPublisher struct {
	mu        sync.Mutex
	committed []*models.TransactionCommittedEvent
	settled   []*models.TransactionSettledEvent
	reverted  []*models.TransactionRevertedEvent
}

func (p *recordingPublisher) PublishTransactionCommitted(_ context.Context, e *models.TransactionCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, e)
	return nil
}

func (p *recordingPublisher) PublishTransactionSettled(_ context.Context, e *models.TransactionSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return nil
}

func (p *recordingPublisher) PublishTransactionReverted(_ context.Context, e *models.TransactionRevertedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverted = append(p.reverted, e)
	return nil
}

// failingUpdates fails the first n transaction updates
type failingUpdates struct {
	store.Repository
	mu sync.Mutex
	n  int
}

func (f *failingUpdates) UpdateTransaction(ctx context.Context, txID int64, patch models.TransactionPatch) (bool, error) {
	f.mu.Lock()
	fail := f.n > 0
	f.n--
	f.mu.Unlock()
	if fail {
		return false, errors.New("connection reset")
	}
	return f.Repository.UpdateTransaction(ctx, txID, patch)
}

type fixture struct {
	mem        *store.Memory
	events     *recordingPublisher
	gateway    *stubGateway
	signer     *payment.Signer
	carts      *CartService
	engine     *TransactionEngine
	checkout   *CheckoutService
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	mem.PutProduct(models.Product{ID: 1, Name: "mug", Price: 1500, Stock: 5})
	mem.PutProduct(models.Product{ID: 2, Name: "tee", Price: 4000, Stock: 3})
	mem.PutProduct(models.Product{ID: 3, Name: "sticker", Price: 200, Stock: models.UnlimitedStock})

	return newFixtureWith(mem, mem)
}

func newFixtureWith(mem *store.Memory, repo store.Repository) *fixture {
	f := &fixture{
		mem:     mem,
		events:  &recordingPublisher{},
		gateway: newStubGateway(),
		signer:  payment.NewSigner(testSecret, "http://shop.test"),
	}
	cache := store.NopInvalidator{}
	f.carts = NewCartService(repo)
	f.engine = NewTransactionEngine(repo, cache, f.events)
	f.checkout = NewCheckoutService(f.engine, f.gateway, f.signer, cache)
	f.reconciler = NewReconciler(repo, f.engine, f.gateway, f.signer, cache, f.events)
	return f
}

func (f *fixture) fillCart(t *testing.T, ownerID int64, items map[int64]int) *models.Order {
	t.Helper()
	cart, err := f.carts.Patch(context.Background(), ownerID, models.OrderPatch{Items: items})
	require.NoError(t, err)
	return cart
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.mem.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Stock
}

// commitBeforePatch runs commit right before the first PatchItems reaches
// the store, as a checkout racing a cart edit would
type commitBeforePatch struct {
	store.Repository
	once   sync.Once
	commit func()
}

func (r *commitBeforePatch) PatchItems(ctx context.Context, ownerID, orderID int64, patch models.OrderPatch) error {
	r.once.Do(r.commit)
	return r.Repository.PatchItems(ctx, ownerID, orderID, patch)
}
