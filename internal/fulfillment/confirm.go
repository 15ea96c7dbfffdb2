package fulfillment

import (
	"context"
	"sort"
	"sync"

	"fulfillment/internal/model"
	"fulfillment/internal/render"
	"fulfillment/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConfirmRequest struct {
	PaymentOrderHandle       string           `json:"payment_order_handle" binding:"required"`
	PaymentTransactionHandle string           `json:"payment_transaction_handle" binding:"required"`
	Signature                string           `json:"signature" binding:"required"`
	CartItems                []model.CartItem `json:"cart_items" binding:"omitempty,dive"`
}

// MintFailure is one unit whose token could not be issued. The payment and
// inventory effects stay committed; the unit is queued for another attempt.
type MintFailure struct {
	TrackingIdentity string `json:"tracking_identity"`
	Reason           string `json:"reason"`
}

type ConfirmResult struct {
	OrderID            uint          `json:"order_id"`
	OTP                string        `json:"otp"`
	TrackingIdentities []string      `json:"tracking_identities"`
	Failed             []MintFailure `json:"failed,omitempty"`
	// Replayed is set when the order had already been paid.
	Replayed bool `json:"replayed"`
}

// Confirm 支付确认：
// 1. 验签，失败删除待支付订单
// 2. 单事务内逐个变体加行锁，校验并扣减库存
// 3. 生成 OTP，订单置为已支付，提交
// 4. 事务外铸造每件商品的追踪 token
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if !s.verifier.Verify(req.PaymentOrderHandle, req.PaymentTransactionHandle, req.Signature) {
		res := s.db.WithContext(ctx).
			Where("gateway_order_id = ? AND payment_status <> ?", req.PaymentOrderHandle, model.PaymentDone).
			Delete(&model.Order{})
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "delete unpaid order")
		}
		log.Warn().Str("payment_order_handle", req.PaymentOrderHandle).
			Int64("deleted", res.RowsAffected).Msg("payment signature mismatch")
		return nil, &PaymentIntegrityError{OrderHandle: req.PaymentOrderHandle}
	}
	for _, it := range req.CartItems {
		if err := validateLine(it); err != nil {
			return nil, err
		}
	}

	var (
		order    *model.Order
		replayed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := store.LockOrderByHandle(ctx, tx, req.PaymentOrderHandle)
		if err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("order", req.PaymentOrderHandle)
			}
			return errors.Wrap(err, "lock order")
		}
		order = o
		if o.PaymentStatus == model.PaymentDone {
			replayed = true
			return nil
		}

		items := o.Items.Data()
		if len(items) == 0 {
			return ErrEmptyCart
		}
		if err := checkCart(items, req.CartItems); err != nil {
			return err
		}
		if err := deductStock(ctx, tx, items); err != nil {
			return err
		}

		otp, err := s.newOTP()
		if err != nil {
			return errors.Wrap(err, "mint otp")
		}
		o.GatewayPaymentID = req.PaymentTransactionHandle
		o.GatewaySignature = req.Signature
		o.PaymentStatus = model.PaymentDone
		o.OTP = otp
		err = tx.Model(o).Updates(map[string]any{
			"gateway_payment_id": o.GatewayPaymentID,
			"gateway_signature":  o.GatewaySignature,
			"payment_status":     o.PaymentStatus,
			"otp":                o.OTP,
		}).Error
		return errors.Wrap(err, "mark order paid")
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		log.Info().Uint("order_id", order.ID).Msg("confirmation replayed on paid order")
	} else {
		log.Info().Uint("order_id", order.ID).Msg("payment confirmed, stock deducted")
	}

	// 调用方放弃请求不影响已提交的支付，token 照常铸造。
	mintCtx := context.WithoutCancel(ctx)
	ids, failed, err := s.mintAndRecord(mintCtx, order, true)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{
		OrderID:            order.ID,
		OTP:                order.OTP,
		TrackingIdentities: ids,
		Failed:             failed,
		Replayed:           replayed,
	}, nil
}

// RetryMint re-runs token issuance for a paid order. Units that already have
// a token are skipped, so replays never duplicate tokens or touch inventory.
// Failures are returned, not enqueued: the caller owns the retry schedule.
func (s *Service) RetryMint(ctx context.Context, orderID uint) ([]MintFailure, error) {
	var order model.Order
	if err := s.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if store.IsRecordNotFound(err) {
			return nil, notFound("order", orderID)
		}
		return nil, errors.Wrap(err, "load order")
	}
	if order.PaymentStatus != model.PaymentDone {
		return nil, errors.Wrapf(ErrNotPaid, "order %d", orderID)
	}
	_, failed, err := s.mintAndRecord(ctx, &order, false)
	return failed, err
}

// checkCart 库存只按结账快照扣减。请求若带了购物车，按变体合并后必须与快照一致。
func checkCart(snapshot, requested []model.CartItem) error {
	if len(requested) == 0 {
		return nil
	}
	want := map[model.VariantKey]int{}
	for _, it := range snapshot {
		want[it.Variant()] += it.Quantity
	}
	got := map[model.VariantKey]int{}
	for _, it := range requested {
		got[it.Variant()] += it.Quantity
	}
	if len(got) != len(want) {
		return invalidf("cart items do not match the paid order")
	}
	for k, n := range want {
		if got[k] != n {
			return invalidf("cart items do not match the paid order: %s has %d, paid for %d", k, got[k], n)
		}
	}
	return nil
}

// deductStock locks each variant in key order and decrements it. Any
// shortfall aborts the surrounding transaction.
func deductStock(ctx context.Context, tx *gorm.DB, items []model.CartItem) error {
	need := map[model.VariantKey]int64{}
	for _, it := range items {
		need[it.Variant()] += int64(it.Quantity)
	}
	keys := make([]model.VariantKey, 0, len(need))
	for k := range need {
		keys = append(keys, k)
	}
	// 固定加锁顺序，避免两个订单交叉锁变体时死锁
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		v, err := store.LockVariant(ctx, tx, k)
		if err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("variant", k)
			}
			return errors.Wrapf(err, "lock variant %s", k)
		}
		if v.Quantity < need[k] {
			return &StockUnavailableError{Variant: k, Requested: need[k], Available: v.Quantity}
		}
		if err := tx.Model(v).Update("quantity", v.Quantity-need[k]).Error; err != nil {
			return errors.Wrapf(err, "deduct variant %s", k)
		}
	}
	return nil
}

// mintAndRecord mints missing tokens and stores the identity list on the
// order. With enqueue set, failures are handed to the retry queue.
func (s *Service) mintAndRecord(ctx context.Context, order *model.Order, enqueue bool) ([]string, []MintFailure, error) {
	ids, failed, err := s.mintTokens(ctx, order)
	if err != nil {
		return nil, nil, err
	}
	err = s.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", order.ID).
		Update("tracking_identities", datatypes.NewJSONType(ids)).Error
	if err != nil {
		return nil, nil, errors.Wrap(err, "store tracking identities")
	}
	order.TrackingIdentities = datatypes.NewJSONType(ids)

	if enqueue && len(failed) > 0 && s.retry != nil {
		pending := make([]string, len(failed))
		for i, f := range failed {
			pending[i] = f.TrackingIdentity
		}
		if err := s.retry.EnqueueMint(ctx, order.ID, pending); err != nil {
			log.Error().Err(err).Uint("order_id", order.ID).Strs("tracking_identities", pending).
				Msg("enqueue token retry failed")
		}
	}
	return ids, failed, nil
}

// mintTokens issues one token per purchased unit in parallel. It returns the
// identities that have a token, in cart order, and the ones that failed.
func (s *Service) mintTokens(ctx context.Context, order *model.Order) ([]string, []MintFailure, error) {
	units := order.UnitIdentities()
	encoded := make([]string, len(units))
	for i, u := range units {
		encoded[i] = u.Encode()
	}

	var existing []string
	err := s.db.WithContext(ctx).Model(&model.TrackingToken{}).
		Where("order_id = ?", order.ID).Pluck("identity", &existing).Error
	if err != nil {
		return nil, nil, errors.Wrap(err, "load existing tokens")
	}
	have := make(map[string]bool, len(existing))
	for _, id := range existing {
		have[id] = true
	}

	ok := make([]bool, len(units))
	var (
		mu     sync.Mutex
		failed []MintFailure
		g      errgroup.Group
	)
	g.SetLimit(s.opts.MintConcurrency)
	for i, u := range units {
		if have[encoded[i]] {
			ok[i] = true
			continue
		}
		g.Go(func() error {
			if err := s.mintOne(ctx, order, u); err != nil {
				log.Warn().Err(err).Uint("order_id", order.ID).
					Str("tracking_identity", encoded[i]).Msg("token mint failed")
				mu.Lock()
				failed = append(failed, MintFailure{TrackingIdentity: encoded[i], Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, 0, len(units))
	for i := range units {
		if ok[i] {
			ids = append(ids, encoded[i])
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].TrackingIdentity < failed[j].TrackingIdentity })
	return ids, failed, nil
}

func (s *Service) mintOne(ctx context.Context, order *model.Order, id model.Identity) error {
	enc := id.Encode()
	line, _ := order.CartLine(id.ProductID, id.Color, id.Size)
	label := render.Label{Identity: enc, ProductName: line.ProductName, Color: id.Color, Size: id.Size}

	var (
		path    string
		lastErr error
	)
	for attempt := 1; attempt <= s.opts.RenderAttempts; attempt++ {
		img, err := s.renderer.Render(label)
		if err == nil {
			path, err = s.artifacts.Put(ctx, enc+".png", img, "image/png")
		}
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		log.Debug().Err(err).Str("tracking_identity", enc).Int("attempt", attempt).Msg("render attempt failed")
	}
	if lastErr != nil {
		return errors.Wrapf(lastErr, "render %s", enc)
	}

	token := model.TrackingToken{
		Identity:   enc,
		OrderID:    id.OrderID,
		CustomerID: id.CustomerID,
		ProductID:  id.ProductID,
		Color:      id.Color,
		Size:       id.Size,
		UnitIndex:  id.UnitIndex,
		ImagePath:  path,
		Status:     model.StatusPending,
	}
	// 身份已存在时不重复插入
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "identity"}}, DoNothing: true}).
		Create(&token).Error
	return errors.Wrapf(err, "insert token %s", enc)
}
