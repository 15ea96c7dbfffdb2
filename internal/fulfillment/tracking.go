package fulfillment

import (
	"context"
	"crypto/subtle"

	"fulfillment/internal/model"
	"fulfillment/internal/notify"
	"fulfillment/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TokenUpdate is one scanner write. Status is a pointer so an omitted field
// is rejected rather than read as pending.
type TokenUpdate struct {
	TrackingIdentity string        `json:"tracking_identity" binding:"required"`
	Status           *model.Status `json:"status" binding:"required"`
}

type TokenState struct {
	TrackingIdentity string       `json:"tracking_identity"`
	Status           model.Status `json:"status"`
	ImagePath        string       `json:"image_path"`
}

type StatusReport struct {
	OrderID         uint         `json:"order_id"`
	AggregateStatus model.Status `json:"aggregate_status"`
	AllStatuses     []TokenState `json:"all_statuses"`
}

// UpdateTokenStatuses applies a batch of scanner writes to one order's tokens
// and recomputes the order status once. Backward moves are allowed.
func (s *Service) UpdateTokenStatuses(ctx context.Context, orderID uint, updates []TokenUpdate) (*StatusReport, error) {
	if len(updates) == 0 {
		return nil, invalidf("no status updates")
	}
	for _, u := range updates {
		id, err := model.ParseIdentity(u.TrackingIdentity)
		if err != nil {
			return nil, invalidIdentity(err)
		}
		if id.OrderID != orderID {
			return nil, errors.Wrapf(ErrInvalidIdentity, "%s does not belong to order %d", u.TrackingIdentity, orderID)
		}
		if u.Status == nil {
			return nil, invalidf("status is required for %s", u.TrackingIdentity)
		}
		if !u.Status.Valid() {
			return nil, invalidf("invalid status for %s", u.TrackingIdentity)
		}
	}

	report := &StatusReport{OrderID: orderID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("order", orderID)
			}
			return errors.Wrap(err, "lock order")
		}
		for _, u := range updates {
			res := tx.Model(&model.TrackingToken{}).
				Where("identity = ? AND order_id = ?", u.TrackingIdentity, orderID).
				Update("status", *u.Status)
			if res.Error != nil {
				return errors.Wrapf(res.Error, "update token %s", u.TrackingIdentity)
			}
			if res.RowsAffected == 0 {
				return notFound("token", u.TrackingIdentity)
			}
		}

		var tokens []model.TrackingToken
		if err := tx.Where("order_id = ?", orderID).Order("id").Find(&tokens).Error; err != nil {
			return errors.Wrap(err, "load tokens")
		}
		statuses := make([]model.Status, len(tokens))
		report.AllStatuses = make([]TokenState, len(tokens))
		for i, t := range tokens {
			statuses[i] = t.Status
			report.AllStatuses[i] = TokenState{TrackingIdentity: t.Identity, Status: t.Status, ImagePath: t.ImagePath}
		}
		report.AggregateStatus = model.Aggregate(statuses)
		return errors.Wrap(tx.Model(order).Update("status", report.AggregateStatus).Error, "store aggregate")
	})
	if err != nil {
		return nil, err
	}

	for _, u := range updates {
		s.publish(ctx, notify.NewTokenStatusChanged(orderID, u.TrackingIdentity, *u.Status))
	}
	s.publish(ctx, notify.NewOrderAggregateChanged(orderID, report.AggregateStatus))
	log.Info().Uint("order_id", orderID).Int("updates", len(updates)).
		Str("status", report.AggregateStatus.String()).Msg("token statuses updated")
	return report, nil
}

// VerifyOTP 客户出示的验证码与订单 OTP 完全一致时，订单直接置为 delivered，不看各 token 状态。
func (s *Service) VerifyOTP(ctx context.Context, orderID uint, code string) (*model.Order, error) {
	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("order", orderID)
			}
			return errors.Wrap(err, "lock order")
		}
		if o.OTP == "" || subtle.ConstantTimeCompare([]byte(o.OTP), []byte(code)) != 1 {
			return ErrInvalidOTP
		}
		o.Status = model.StatusDelivered
		order = o
		return errors.Wrap(tx.Model(o).Update("status", o.Status).Error, "mark delivered")
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notify.NewOrderAggregateChanged(orderID, model.StatusDelivered))
	return order, nil
}

type OrderView struct {
	*model.Order
	Tokens []model.TrackingToken `json:"tokens"`
}

func (s *Service) GetOrder(ctx context.Context, orderID uint) (*OrderView, error) {
	var order model.Order
	if err := s.db.WithContext(ctx).First(&order, orderID).Error; err != nil {
		if store.IsRecordNotFound(err) {
			return nil, notFound("order", orderID)
		}
		return nil, errors.Wrap(err, "load order")
	}
	var tokens []model.TrackingToken
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&tokens).Error; err != nil {
		return nil, errors.Wrap(err, "load tokens")
	}
	return &OrderView{Order: &order, Tokens: tokens}, nil
}

type TrackingView struct {
	Token model.TrackingToken `json:"token"`
	Order *model.Order        `json:"order"`
	// Items are the cart lines the scanned unit matches by color and size.
	Items []model.CartItem `json:"items"`
}

// Track resolves a scanned identity to its token, order and cart line.
func (s *Service) Track(ctx context.Context, identity string) (*TrackingView, error) {
	id, err := model.ParseIdentity(identity)
	if err != nil {
		return nil, invalidIdentity(err)
	}
	var view TrackingView
	if err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&view.Token).Error; err != nil {
		if store.IsRecordNotFound(err) {
			return nil, notFound("token", identity)
		}
		return nil, errors.Wrap(err, "load token")
	}
	var order model.Order
	if err := s.db.WithContext(ctx).First(&order, view.Token.OrderID).Error; err != nil {
		if store.IsRecordNotFound(err) {
			return nil, notFound("order", view.Token.OrderID)
		}
		return nil, errors.Wrap(err, "load order")
	}
	view.Order = &order
	view.Items = []model.CartItem{}
	for _, it := range order.Items.Data() {
		if it.Color == id.Color && it.Size == id.Size {
			view.Items = append(view.Items, it)
		}
	}
	s.publish(ctx, notify.NewTokenTracked(order.ID, identity, view.Token.Status))
	return &view, nil
}

// SupportUpdate carries customer-support edits; nil fields are left alone.
type SupportUpdate struct {
	DeliveryAgentName     *string `json:"delivery_agent_name"`
	DeliveryAgentPhone    *string `json:"delivery_agent_phone"`
	IssueType             *string `json:"issue_type"`
	IssueTrackingIdentity *string `json:"issue_tracking_identity"`
	IssueDescription      *string `json:"issue_description"`
}

func (s *Service) UpdateOrderSupport(ctx context.Context, orderID uint, upd SupportUpdate) (*model.Order, error) {
	fields := map[string]any{}
	set := func(col string, v *string) {
		if v != nil {
			fields[col] = *v
		}
	}
	set("delivery_agent_name", upd.DeliveryAgentName)
	set("delivery_agent_phone", upd.DeliveryAgentPhone)
	set("issue_type", upd.IssueType)
	set("issue_description", upd.IssueDescription)
	if v := upd.IssueTrackingIdentity; v != nil && *v != "" {
		id, err := model.ParseIdentity(*v)
		if err != nil {
			return nil, invalidIdentity(err)
		}
		if id.OrderID != orderID {
			return nil, errors.Wrapf(ErrInvalidIdentity, "%s does not belong to order %d", *v, orderID)
		}
	}
	set("issue_tracking_identity", upd.IssueTrackingIdentity)

	var order *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("order", orderID)
			}
			return errors.Wrap(err, "lock order")
		}
		order = o
		if len(fields) == 0 {
			return nil
		}
		if err := tx.Model(o).Updates(fields).Error; err != nil {
			return errors.Wrap(err, "update order")
		}
		return tx.First(o, orderID).Error
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
