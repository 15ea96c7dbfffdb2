package fulfillment

import (
	"context"
	"testing"

	"fulfillment/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutPricesCartFromCatalog(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(t, "Kurta", "499.50", variantSeed{"red", "M", 5})

	res, err := f.svc.Checkout(context.Background(), CheckoutRequest{
		Customer: Customer{ID: 3, Name: "Asha"},
		Items:    []model.CartItem{{ProductID: p.ID, Color: "red", Size: "M", Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
		Shipping: decimal.RequireFromString("40"),
		Tax:      decimal.RequireFromString("18.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "1057.25", res.Total.StringFixed(2))
	assert.Equal(t, int64(105725), res.Amount)
	assert.Equal(t, "INR", res.Currency)
	amount, ok := f.gateway.amounts.Load(res.PaymentOrderHandle)
	require.True(t, ok)
	assert.Equal(t, int64(105725), amount)

	var o model.Order
	require.NoError(t, f.db.First(&o, res.OrderID).Error)
	assert.Equal(t, model.PaymentPending, o.PaymentStatus)
	assert.Equal(t, model.StatusPending, o.Status)
	require.Len(t, o.Items.Data(), 1)
	assert.Equal(t, "Kurta", o.Items.Data()[0].ProductName)
	assert.True(t, decimal.RequireFromString("499.50").Equal(o.Items.Data()[0].UnitPrice))
	// stock is only reserved on confirmation
	assert.Equal(t, int64(5), f.quantity(t, p.ID, "red", "M"))
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(t, "Kurta", "499.00", variantSeed{"red", "M", 5})
	ctx := context.Background()
	customer := Customer{ID: 3}

	_, err := f.svc.Checkout(ctx, CheckoutRequest{Customer: customer})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = f.svc.Checkout(ctx, CheckoutRequest{Items: []model.CartItem{line(p.ID, "red", "M", 1)}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Checkout(ctx, CheckoutRequest{Customer: customer, Items: []model.CartItem{line(p.ID, "off-white", "M", 1)}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = f.svc.Checkout(ctx, CheckoutRequest{Customer: customer, Items: []model.CartItem{line(p.ID, "café", "M", 1)}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = f.svc.Checkout(ctx, CheckoutRequest{
		Customer: customer,
		Items:    []model.CartItem{line(p.ID, "red", "M", 1)},
		Tax:      decimal.NewFromInt(-1),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var nf *NotFoundError
	_, err = f.svc.Checkout(ctx, CheckoutRequest{Customer: customer, Items: []model.CartItem{line(p.ID+1, "red", "M", 1)}})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "product", nf.Kind)

	_, err = f.svc.Checkout(ctx, CheckoutRequest{Customer: customer, Items: []model.CartItem{line(p.ID, "red", "XL", 1)}})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "variant", nf.Kind)
}

func TestProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedProduct(t, "Kurta", "499.00", variantSeed{"red", "M", 5}, variantSeed{"red", "L", 0})

	list, err := f.svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Variants, 2)

	_, err = f.svc.CreateProduct(ctx, ProductInput{Name: "Saree", Price: decimal.NewFromInt(10),
		Variants: []VariantInput{{Color: "red", Size: "M"}, {Color: "red", Size: "M"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateProduct(ctx, ProductInput{Name: "Saree", Price: decimal.Zero,
		Variants: []VariantInput{{Color: "red", Size: "M"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateProduct(ctx, ProductInput{Name: "Saree", Price: decimal.NewFromInt(10),
		Variants: []VariantInput{{Color: "red/blue", Size: "M"}}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	// 条码无法编码的颜色在录入时就拒绝，不会等到支付后才铸造失败
	_, err = f.svc.CreateProduct(ctx, ProductInput{Name: "Saree", Price: decimal.NewFromInt(10),
		Variants: []VariantInput{{Color: "café", Size: "M", Quantity: 3}}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	list, err = f.svc.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCheckoutMergesLinesOfOneVariant(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(t, "Kurta", "100.00", variantSeed{"red", "M", 5}, variantSeed{"blue", "S", 5})

	co := f.checkout(t, 7, line(p.ID, "red", "M", 1), line(p.ID, "blue", "S", 1), line(p.ID, "red", "M", 2))
	assert.Equal(t, int64(40000), co.Amount)

	var o model.Order
	require.NoError(t, f.db.First(&o, co.OrderID).Error)
	items := o.Items.Data()
	require.Len(t, items, 2)
	assert.Equal(t, "red", items[0].Color)
	assert.Equal(t, 3, items[0].Quantity)
	assert.Equal(t, "blue", items[1].Color)
}
