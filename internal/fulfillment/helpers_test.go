package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"fulfillment/internal/artifact"
	"fulfillment/internal/model"
	"fulfillment/internal/notify"
	"fulfillment/internal/payment"
	"fulfillment/internal/render"
	"fulfillment/internal/store/storetest"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeGateway struct {
	n       atomic.Int64
	amounts sync.Map
}

func (g *fakeGateway) CreateOrder(_ context.Context, req payment.OrderRequest) (string, error) {
	handle := fmt.Sprintf("order_test_%d", g.n.Add(1))
	g.amounts.Store(handle, req.Amount)
	return handle, nil
}

// flakyRenderer fails for the identities listed in fail.
type flakyRenderer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
	inner render.Renderer
}

func (r *flakyRenderer) Render(l render.Label) ([]byte, error) {
	r.mu.Lock()
	r.calls[l.Identity]++
	failing := r.fail[l.Identity]
	r.mu.Unlock()
	if failing {
		return nil, errors.New("printer jammed")
	}
	return r.inner.Render(l)
}

func (r *flakyRenderer) setFail(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = map[string]bool{}
	for _, id := range ids {
		r.fail[id] = true
	}
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type retryRecorder struct {
	mu    sync.Mutex
	calls map[uint][]string
}

func (q *retryRecorder) EnqueueMint(_ context.Context, orderID uint, failed []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls[orderID] = append(q.calls[orderID], failed...)
	return nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	verifier payment.Verifier
	gateway  *fakeGateway
	renderer *flakyRenderer
	events   *recorder
	retry    *retryRecorder

	artifactDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	dir := t.TempDir()
	arts, err := artifact.NewLocalStore(dir, "uploads/tokens")
	require.NoError(t, err)

	f := &fixture{
		db:          db,
		artifactDir: dir,
		verifier:    payment.NewVerifier("test-secret"),
		gateway:     &fakeGateway{},
		renderer:    &flakyRenderer{fail: map[string]bool{}, calls: map[string]int{}, inner: render.NewCode128()},
		events:      &recorder{},
		retry:       &retryRecorder{calls: map[uint][]string{}},
	}
	f.svc = New(Deps{
		DB:        db,
		Verifier:  f.verifier,
		Gateway:   f.gateway,
		Renderer:  f.renderer,
		Artifacts: arts,
		Bus:       f.events,
		Retry:     f.retry,
	}, Options{Currency: "INR", RenderAttempts: 2, MintConcurrency: 4})
	return f
}

type variantSeed struct {
	color, size string
	qty         int64
}

func (f *fixture) seedProduct(t *testing.T, name string, price string, variants ...variantSeed) *model.Product {
	t.Helper()
	in := ProductInput{Name: name, Price: decimal.RequireFromString(price)}
	for _, v := range variants {
		in.Variants = append(in.Variants, VariantInput{Color: v.color, Size: v.size, Quantity: v.qty})
	}
	p, err := f.svc.CreateProduct(context.Background(), in)
	require.NoError(t, err)
	return p
}

func (f *fixture) checkout(t *testing.T, customerID uint, items ...model.CartItem) *CheckoutResult {
	t.Helper()
	res, err := f.svc.Checkout(context.Background(), CheckoutRequest{
		Customer: Customer{ID: customerID, Name: "Asha", Phone: "98450", Address: "12 MG Road"},
		Items:    items,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) confirmRequest(handle string) ConfirmRequest {
	txn := "pay_" + handle
	return ConfirmRequest{
		PaymentOrderHandle:       handle,
		PaymentTransactionHandle: txn,
		Signature:                f.verifier.Sign(handle, txn),
	}
}

func (f *fixture) confirm(t *testing.T, handle string) *ConfirmResult {
	t.Helper()
	res, err := f.svc.Confirm(context.Background(), f.confirmRequest(handle))
	require.NoError(t, err)
	return res
}

func (f *fixture) quantity(t *testing.T, productID uint, color, size string) int64 {
	t.Helper()
	var v model.InventoryVariant
	require.NoError(t, f.db.Where("product_id = ? AND color = ? AND size = ?", productID, color, size).First(&v).Error)
	return v.Quantity
}

func (f *fixture) setOrderStatus(t *testing.T, orderID uint, st model.Status) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Order{}).Where("id = ?", orderID).Update("status", st).Error)
}

func line(productID uint, color, size string, qty int) model.CartItem {
	return model.CartItem{ProductID: productID, Color: color, Size: size, Quantity: qty}
}

func statusPtr(s model.Status) *model.Status { return &s }
