package fulfillment

import (
	"context"

	"fulfillment/internal/model"
	"fulfillment/internal/payment"
	"fulfillment/internal/store"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Customer struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type CheckoutRequest struct {
	Customer Customer         `json:"customer"`
	Items    []model.CartItem `json:"cart_items" binding:"required,min=1,dive"`
	Shipping decimal.Decimal  `json:"shipping"`
	Tax      decimal.Decimal  `json:"tax"`
}

type CheckoutResult struct {
	OrderID            uint            `json:"order_id"`
	PaymentOrderHandle string          `json:"payment_order_handle"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	Total              decimal.Decimal `json:"total"`
}

var hundred = decimal.NewFromInt(100)

// Checkout prices the cart from the catalog, opens a gateway payment order
// and stores a pending order carrying the cart snapshot.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyCart
	}
	if req.Customer.ID == 0 {
		return nil, invalidf("customer id is required")
	}
	if req.Shipping.IsNegative() || req.Tax.IsNegative() {
		return nil, invalidf("shipping and tax must not be negative")
	}

	items := make([]model.CartItem, 0, len(req.Items))
	subtotal := decimal.Zero
	products := map[uint]model.Product{}
	for _, it := range req.Items {
		if err := validateLine(it); err != nil {
			return nil, err
		}
		p, ok := products[it.ProductID]
		if !ok {
			if err := s.db.WithContext(ctx).First(&p, it.ProductID).Error; err != nil {
				if store.IsRecordNotFound(err) {
					return nil, notFound("product", it.ProductID)
				}
				return nil, errors.Wrap(err, "load product")
			}
			products[it.ProductID] = p
		}
		var variants int64
		err := s.db.WithContext(ctx).Model(&model.InventoryVariant{}).
			Where("product_id = ? AND color = ? AND size = ?", it.ProductID, it.Color, it.Size).
			Count(&variants).Error
		if err != nil {
			return nil, errors.Wrap(err, "check variant")
		}
		if variants == 0 {
			return nil, notFound("variant", it.Variant())
		}
		it.ProductName = p.Name
		it.UnitPrice = p.Price
		subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		items = append(items, it)
	}
	// 同一变体多行合并，单位序号才能按变体连续编号
	items = model.MergeLines(items)
	total := subtotal.Add(req.Shipping).Add(req.Tax)
	amount := total.Mul(hundred).Round(0).IntPart()

	handle, err := s.gateway.CreateOrder(ctx, payment.OrderRequest{
		Amount:   amount,
		Currency: s.opts.Currency,
		Receipt:  "receipt_" + uuid.NewString(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gateway order")
	}

	order := &model.Order{
		CustomerID:         req.Customer.ID,
		CustomerName:       req.Customer.Name,
		CustomerEmail:      req.Customer.Email,
		CustomerPhone:      req.Customer.Phone,
		CustomerAddress:    req.Customer.Address,
		Items:              datatypes.NewJSONType(items),
		Subtotal:           subtotal,
		Shipping:           req.Shipping,
		Tax:                req.Tax,
		Total:              total,
		Currency:           s.opts.Currency,
		GatewayOrderID:     handle,
		PaymentStatus:      model.PaymentPending,
		Status:             model.StatusPending,
		TrackingIdentities: datatypes.NewJSONType([]string{}),
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	log.Info().Uint("order_id", order.ID).Str("payment_order_handle", handle).
		Str("total", total.StringFixed(2)).Msg("checkout created")

	return &CheckoutResult{
		OrderID:            order.ID,
		PaymentOrderHandle: handle,
		Amount:             amount,
		Currency:           s.opts.Currency,
		Total:              total,
	}, nil
}

// validateLine 颜色/尺码会嵌入追踪标识，必须在开事务前校验。
func validateLine(it model.CartItem) error {
	if it.ProductID == 0 {
		return invalidf("product id is required")
	}
	if it.Quantity < 1 {
		return invalidf("quantity for product %d must be >= 1", it.ProductID)
	}
	if err := model.ValidateFragment("color", it.Color); err != nil {
		return invalidIdentity(err)
	}
	if err := model.ValidateFragment("size", it.Size); err != nil {
		return invalidIdentity(err)
	}
	return nil
}
