package queue

import (
	"context"
	"encoding/json"
	"testing"

	"fulfillment/internal/artifact"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/model"
	"fulfillment/internal/payment"
	"fulfillment/internal/render"
	"fulfillment/internal/store/storetest"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenRenderer struct{}

func (brokenRenderer) Render(render.Label) ([]byte, error) {
	return nil, errors.New("printer offline")
}

type oneGateway struct{}

func (oneGateway) CreateOrder(context.Context, payment.OrderRequest) (string, error) {
	return "order_retry_1", nil
}

// paidOrderWithFailedTokens confirms a one-unit order whose token cannot be
// rendered, then clears what confirmation enqueued.
func paidOrderWithFailedTokens(t *testing.T, w *memWriter) (*fulfillment.Service, uint) {
	t.Helper()
	ctx := context.Background()
	arts, err := artifact.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	verifier := payment.NewVerifier("retry-secret")
	svc := fulfillment.New(fulfillment.Deps{
		DB:        storetest.New(t),
		Verifier:  verifier,
		Gateway:   oneGateway{},
		Renderer:  brokenRenderer{},
		Artifacts: arts,
		Retry:     NewMintQueue(&Producer{w: w}),
	}, fulfillment.Options{Currency: "INR", RenderAttempts: 1, MintConcurrency: 1})

	p, err := svc.CreateProduct(ctx, fulfillment.ProductInput{
		Name: "Kurta", Price: decimal.NewFromInt(100),
		Variants: []fulfillment.VariantInput{{Color: "red", Size: "M", Quantity: 3}},
	})
	require.NoError(t, err)
	co, err := svc.Checkout(ctx, fulfillment.CheckoutRequest{
		Customer: fulfillment.Customer{ID: 4},
		Items:    []model.CartItem{{ProductID: p.ID, Color: "red", Size: "M", Quantity: 1}},
	})
	require.NoError(t, err)
	res, err := svc.Confirm(ctx, fulfillment.ConfirmRequest{
		PaymentOrderHandle:       co.PaymentOrderHandle,
		PaymentTransactionHandle: "pay_1",
		Signature:                verifier.Sign(co.PaymentOrderHandle, "pay_1"),
	})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	// 确认时入队一次
	require.Len(t, w.sent(), 1)
	w.reset()
	return svc, co.OrderID
}

func TestConsumerWithServiceStopsAtMaxRetries(t *testing.T) {
	w := &memWriter{}
	svc, orderID := paidOrderWithFailedTokens(t, w)
	reader := &memReader{pending: []kafka.Message{encode(t, MintRetryMessage{OrderID: orderID, Attempt: 3})}}

	err := newConsumer(reader, svc, w, 3).Run(context.Background())
	require.Error(t, err)

	assert.Empty(t, w.sent())
	assert.Len(t, reader.committed, 1)
}

func TestConsumerWithServiceRequeuesOnce(t *testing.T) {
	w := &memWriter{}
	svc, orderID := paidOrderWithFailedTokens(t, w)
	reader := &memReader{pending: []kafka.Message{encode(t, MintRetryMessage{OrderID: orderID, Attempt: 1})}}

	_ = newConsumer(reader, svc, w, 3).Run(context.Background())

	sent := w.sent()
	require.Len(t, sent, 1)
	var next MintRetryMessage
	require.NoError(t, json.Unmarshal(sent[0].Value, &next))
	assert.Equal(t, 2, next.Attempt)
	require.Len(t, next.TrackingIdentities, 1)
}
