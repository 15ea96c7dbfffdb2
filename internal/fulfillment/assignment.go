package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"fulfillment/internal/model"
	"fulfillment/internal/notify"
	"fulfillment/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandidateUnit names one unit to hand to an agent, either by its tracking
// identity or by order id plus unit fragment.
type CandidateUnit struct {
	TrackingIdentity string `json:"tracking_identity,omitempty"`
	OrderID          uint   `json:"order_id,omitempty"`
	ProductID        uint   `json:"product_id,omitempty"`
	Color            string `json:"color,omitempty"`
	Size             string `json:"size,omitempty"`
	UnitIndex        int    `json:"unit_index,omitempty"`
}

// identity resolves the candidate; CustomerID stays zero when the caller used
// the fragment form.
func (c CandidateUnit) identity() (model.Identity, error) {
	if c.TrackingIdentity != "" {
		return model.ParseIdentity(c.TrackingIdentity)
	}
	if c.OrderID == 0 || c.ProductID == 0 {
		return model.Identity{}, fmt.Errorf("order_id and product_id are required")
	}
	if err := model.ValidateFragment("color", c.Color); err != nil {
		return model.Identity{}, err
	}
	if err := model.ValidateFragment("size", c.Size); err != nil {
		return model.Identity{}, err
	}
	if c.UnitIndex < 1 {
		return model.Identity{}, fmt.Errorf("unit_index must be >= 1")
	}
	return model.Identity{OrderID: c.OrderID, ProductID: c.ProductID, Color: c.Color, Size: c.Size, UnitIndex: c.UnitIndex}, nil
}

type Rejection struct {
	TrackingIdentity string `json:"tracking_identity"`
	OrderID          uint   `json:"order_id"`
	Reason           string `json:"reason"`
}

type AssignResult struct {
	Accepted           []model.AssignmentEntry `json:"accepted"`
	RejectedDuplicates []Rejection             `json:"rejected_duplicates"`
	RejectedIneligible []Rejection             `json:"rejected_ineligible"`
	Count              int                     `json:"count"`
}

var unitKeyColumns = []clause.Column{
	{Name: "order_id"}, {Name: "product_id"}, {Name: "color"}, {Name: "size"}, {Name: "unit_index"},
}

// Assign 把一批单位挂到派送员名下：
//   - 订单仍是 pending/packed 的单位不可派送
//   - 已在任意台账中的单位作为重复项返回，不报错
//   - 派送员行锁保证同一派送员的 assign/retract 串行
func (s *Service) Assign(ctx context.Context, agentID uint, candidates []CandidateUnit) (*AssignResult, error) {
	if len(candidates) == 0 {
		return nil, invalidf("no candidate units")
	}
	ids := make([]model.Identity, len(candidates))
	for i, c := range candidates {
		id, err := c.identity()
		if err != nil {
			return nil, invalidIdentity(err)
		}
		ids[i] = id
	}

	res := &AssignResult{
		Accepted:           []model.AssignmentEntry{},
		RejectedDuplicates: []Rejection{},
		RejectedIneligible: []Rejection{},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := store.LockAgent(ctx, tx, agentID); err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("agent", agentID)
			}
			return errors.Wrap(err, "lock agent")
		}

		orders := map[uint]*model.Order{}
		for _, id := range ids {
			order, ok := orders[id.OrderID]
			if !ok {
				order = &model.Order{}
				if err := tx.First(order, id.OrderID).Error; err != nil {
					if store.IsRecordNotFound(err) {
						return notFound("order", id.OrderID)
					}
					return errors.Wrap(err, "load order")
				}
				orders[id.OrderID] = order
			}
			if id.CustomerID != 0 && id.CustomerID != order.CustomerID {
				return errors.Wrapf(ErrInvalidIdentity, "%s does not belong to customer %d", id, order.CustomerID)
			}
			id.CustomerID = order.CustomerID
			enc := id.Encode()

			line, ok := order.CartLine(id.ProductID, id.Color, id.Size)
			if !ok || id.UnitIndex > line.Quantity {
				return notFound("unit", enc)
			}
			if !order.Status.Assignable() {
				res.RejectedIneligible = append(res.RejectedIneligible, Rejection{
					TrackingIdentity: enc, OrderID: order.ID,
					Reason: fmt.Sprintf("order status %s is not assignable", order.Status),
				})
				continue
			}

			entry := model.AssignmentEntry{
				AgentID:          agentID,
				OrderID:          order.ID,
				ProductID:        id.ProductID,
				Color:            id.Color,
				Size:             id.Size,
				UnitIndex:        id.UnitIndex,
				TrackingIdentity: enc,
				CustomerID:       order.CustomerID,
				CustomerName:     order.CustomerName,
				CustomerPhone:    order.CustomerPhone,
				CustomerAddress:  order.CustomerAddress,
				OrderStatus:      order.Status,
				ProductName:      line.ProductName,
				UnitPrice:        line.UnitPrice,
			}
			// 唯一索引兜底：单位键冲突即为重复
			ins := tx.Clauses(clause.OnConflict{Columns: unitKeyColumns, DoNothing: true}).Create(&entry)
			if ins.Error != nil {
				return errors.Wrapf(ins.Error, "append %s", enc)
			}
			if ins.RowsAffected == 0 {
				var holder model.AssignmentEntry
				reason := "already assigned"
				if err := tx.Where("tracking_identity = ?", enc).First(&holder).Error; err == nil {
					reason = fmt.Sprintf("already assigned to agent %d", holder.AgentID)
				}
				res.RejectedDuplicates = append(res.RejectedDuplicates, Rejection{
					TrackingIdentity: enc, OrderID: order.ID, Reason: reason,
				})
				continue
			}
			res.Accepted = append(res.Accepted, entry)
		}

		count, err := recount(tx, agentID)
		res.Count = count
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, notify.NewAgentLedgerChanged(agentID, res.Count))
	log.Info().Uint("agent_id", agentID).Int("accepted", len(res.Accepted)).
		Int("duplicates", len(res.RejectedDuplicates)).Int("ineligible", len(res.RejectedIneligible)).
		Msg("units assigned")
	return res, nil
}

type RetractResult struct {
	RemovedCount int `json:"removed_count"`
	Count        int `json:"count"`
}

// Retract removes a unit from an agent's ledger. Removing a unit that is not
// there is not an error.
func (s *Service) Retract(ctx context.Context, agentID uint, identity string) (*RetractResult, error) {
	id, err := model.ParseIdentity(identity)
	if err != nil {
		return nil, invalidIdentity(err)
	}
	res := &RetractResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := store.LockAgent(ctx, tx, agentID); err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("agent", agentID)
			}
			return errors.Wrap(err, "lock agent")
		}
		del := tx.Where("agent_id = ? AND order_id = ? AND product_id = ? AND color = ? AND size = ? AND unit_index = ?",
			agentID, id.OrderID, id.ProductID, id.Color, id.Size, id.UnitIndex).
			Delete(&model.AssignmentEntry{})
		if del.Error != nil {
			return errors.Wrap(del.Error, "remove unit")
		}
		res.RemovedCount = int(del.RowsAffected)
		count, err := recount(tx, agentID)
		res.Count = count
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, notify.NewAgentLedgerChanged(agentID, res.Count))
	return res, nil
}

// recount keeps Agent.Count equal to the ledger length.
func recount(tx *gorm.DB, agentID uint) (int, error) {
	var n int64
	if err := tx.Model(&model.AssignmentEntry{}).Where("agent_id = ?", agentID).Count(&n).Error; err != nil {
		return 0, errors.Wrap(err, "count ledger")
	}
	err := tx.Model(&model.Agent{}).Where("id = ?", agentID).Update("count", n).Error
	return int(n), errors.Wrap(err, "store count")
}

type UnitView struct {
	TrackingIdentity string          `json:"tracking_identity"`
	ProductID        uint            `json:"product_id"`
	ProductName      string          `json:"product_name"`
	Color            string          `json:"color"`
	Size             string          `json:"size"`
	UnitIndex        int             `json:"unit_index"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TokenStatus      *model.Status   `json:"token_status,omitempty"`
	ImagePath        string          `json:"image_path,omitempty"`
}

// Batch groups an agent's units by order.
type Batch struct {
	OrderID         uint         `json:"order_id"`
	CustomerID      uint         `json:"customer_id"`
	CustomerName    string       `json:"customer_name"`
	CustomerPhone   string       `json:"customer_phone"`
	CustomerAddress string       `json:"customer_address"`
	OrderStatus     model.Status `json:"order_status"`
	Units           []UnitView   `json:"units"`
}

type AgentView struct {
	model.Agent
	// Provisional marks a ledger derived from orders naming this agent rather
	// than from assignment entries.
	Provisional bool    `json:"provisional"`
	Batches     []Batch `json:"batches"`
}

// ListAgents returns every agent with its ledger joined against live order
// and token data. Reading never writes ledger rows.
func (s *Service) ListAgents(ctx context.Context) ([]AgentView, error) {
	db := s.db.WithContext(ctx)
	var agents []model.Agent
	if err := db.Order("id").Find(&agents).Error; err != nil {
		return nil, errors.Wrap(err, "load agents")
	}
	var entries []model.AssignmentEntry
	if err := db.Order("agent_id, id").Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "load ledger")
	}

	byAgent := map[uint][]model.AssignmentEntry{}
	orderIDs := map[uint]bool{}
	for _, e := range entries {
		byAgent[e.AgentID] = append(byAgent[e.AgentID], e)
		orderIDs[e.OrderID] = true
	}
	orders, err := s.ordersByID(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	identities := make([]string, 0, len(entries))
	for _, e := range entries {
		identities = append(identities, e.TrackingIdentity)
	}
	tokens, err := s.tokensByIdentity(ctx, identities)
	if err != nil {
		return nil, err
	}

	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		view := AgentView{Agent: a, Batches: []Batch{}}
		if list := byAgent[a.ID]; len(list) > 0 {
			view.Batches = ledgerBatches(list, orders, tokens)
		} else {
			batches, err := s.provisionalBatches(ctx, a)
			if err != nil {
				return nil, err
			}
			view.Batches = batches
			view.Provisional = len(batches) > 0
		}
		views = append(views, view)
	}
	return views, nil
}

func ledgerBatches(entries []model.AssignmentEntry, orders map[uint]model.Order, tokens map[string]model.TrackingToken) []Batch {
	var batches []Batch
	index := map[uint]int{}
	for _, e := range entries {
		i, ok := index[e.OrderID]
		if !ok {
			b := Batch{
				OrderID:         e.OrderID,
				CustomerID:      e.CustomerID,
				CustomerName:    e.CustomerName,
				CustomerPhone:   e.CustomerPhone,
				CustomerAddress: e.CustomerAddress,
				OrderStatus:     e.OrderStatus,
			}
			// 优先使用订单实时数据，快照可能已过期
			if o, live := orders[e.OrderID]; live {
				b.CustomerName = o.CustomerName
				b.CustomerPhone = o.CustomerPhone
				b.CustomerAddress = o.CustomerAddress
				b.OrderStatus = o.Status
			}
			batches = append(batches, b)
			i = len(batches) - 1
			index[e.OrderID] = i
		}
		unit := UnitView{
			TrackingIdentity: e.TrackingIdentity,
			ProductID:        e.ProductID,
			ProductName:      e.ProductName,
			Color:            e.Color,
			Size:             e.Size,
			UnitIndex:        e.UnitIndex,
			UnitPrice:        e.UnitPrice,
		}
		attachToken(&unit, tokens)
		batches[i].Units = append(batches[i].Units, unit)
	}
	return batches
}

func (s *Service) provisionalBatches(ctx context.Context, a model.Agent) ([]Batch, error) {
	if a.Name == "" && a.Phone == "" {
		return []Batch{}, nil
	}
	q := s.db.WithContext(ctx).Model(&model.Order{})
	switch {
	case a.Name != "" && a.Phone != "":
		q = q.Where("payment_status = ? AND (delivery_agent_name = ? OR delivery_agent_phone = ?)",
			model.PaymentDone, a.Name, a.Phone)
	case a.Name != "":
		q = q.Where("payment_status = ? AND delivery_agent_name = ?", model.PaymentDone, a.Name)
	default:
		q = q.Where("payment_status = ? AND delivery_agent_phone = ?", model.PaymentDone, a.Phone)
	}
	var orders []model.Order
	if err := q.Order("id").Find(&orders).Error; err != nil {
		return nil, errors.Wrap(err, "load provisional orders")
	}

	var identities []string
	for i := range orders {
		for _, id := range orders[i].UnitIdentities() {
			identities = append(identities, id.Encode())
		}
	}
	tokens, err := s.tokensByIdentity(ctx, identities)
	if err != nil {
		return nil, err
	}

	batches := make([]Batch, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		b := Batch{
			OrderID:         o.ID,
			CustomerID:      o.CustomerID,
			CustomerName:    o.CustomerName,
			CustomerPhone:   o.CustomerPhone,
			CustomerAddress: o.CustomerAddress,
			OrderStatus:     o.Status,
		}
		for _, id := range o.UnitIdentities() {
			line, _ := o.CartLine(id.ProductID, id.Color, id.Size)
			unit := UnitView{
				TrackingIdentity: id.Encode(),
				ProductID:        id.ProductID,
				ProductName:      line.ProductName,
				Color:            id.Color,
				Size:             id.Size,
				UnitIndex:        id.UnitIndex,
				UnitPrice:        line.UnitPrice,
			}
			attachToken(&unit, tokens)
			b.Units = append(b.Units, unit)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func attachToken(u *UnitView, tokens map[string]model.TrackingToken) {
	if t, ok := tokens[u.TrackingIdentity]; ok {
		st := t.Status
		u.TokenStatus = &st
		u.ImagePath = t.ImagePath
	}
}

func (s *Service) ordersByID(ctx context.Context, ids map[uint]bool) (map[uint]model.Order, error) {
	out := map[uint]model.Order{}
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]uint, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	var orders []model.Order
	if err := s.db.WithContext(ctx).Where("id IN ?", keys).Find(&orders).Error; err != nil {
		return nil, errors.Wrap(err, "load orders")
	}
	for _, o := range orders {
		out[o.ID] = o
	}
	return out, nil
}

func (s *Service) tokensByIdentity(ctx context.Context, identities []string) (map[string]model.TrackingToken, error) {
	out := map[string]model.TrackingToken{}
	if len(identities) == 0 {
		return out, nil
	}
	var tokens []model.TrackingToken
	if err := s.db.WithContext(ctx).Where("identity IN ?", identities).Find(&tokens).Error; err != nil {
		return nil, errors.Wrap(err, "load tokens")
	}
	for _, t := range tokens {
		out[t.Identity] = t
	}
	return out, nil
}

type AgentInput struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	District string `json:"district"`
	Zone     string `json:"zone"`
}

func (s *Service) CreateAgent(ctx context.Context, in AgentInput) (*model.Agent, error) {
	if in.Name == "" {
		return nil, invalidf("agent name is required")
	}
	a := &model.Agent{
		UserID:   in.UserID,
		Name:     in.Name,
		Email:    in.Email,
		Phone:    in.Phone,
		Address:  in.Address,
		District: in.District,
		Zone:     in.Zone,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, errors.Wrap(err, "create agent")
	}
	return a, nil
}

// AgentUpdate 部分更新派送员资料；nil 字段保持不变。台账与 Count 不受影响。
type AgentUpdate struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
	Address  *string `json:"address"`
	District *string `json:"district"`
	Zone     *string `json:"zone"`
}

func (s *Service) UpdateAgent(ctx context.Context, agentID uint, in AgentUpdate) (*model.Agent, error) {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, invalidf("agent name must not be empty")
	}
	changes := map[string]any{}
	for col, v := range map[string]*string{
		"name":     in.Name,
		"email":    in.Email,
		"phone":    in.Phone,
		"address":  in.Address,
		"district": in.District,
		"zone":     in.Zone,
	} {
		if v != nil {
			changes[col] = *v
		}
	}

	var a model.Agent
	if err := s.db.WithContext(ctx).First(&a, agentID).Error; err != nil {
		if store.IsRecordNotFound(err) {
			return nil, notFound("agent", agentID)
		}
		return nil, errors.Wrap(err, "load agent")
	}
	if len(changes) == 0 {
		return &a, nil
	}
	if err := s.db.WithContext(ctx).Model(&a).Updates(changes).Error; err != nil {
		return nil, errors.Wrap(err, "update agent")
	}
	if err := s.db.WithContext(ctx).First(&a, agentID).Error; err != nil {
		return nil, errors.Wrap(err, "reload agent")
	}
	return &a, nil
}

// DeleteAgent removes the agent together with its ledger.
func (s *Service) DeleteAgent(ctx context.Context, agentID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := store.LockAgent(ctx, tx, agentID); err != nil {
			if store.IsRecordNotFound(err) {
				return notFound("agent", agentID)
			}
			return errors.Wrap(err, "lock agent")
		}
		if err := tx.Where("agent_id = ?", agentID).Delete(&model.AssignmentEntry{}).Error; err != nil {
			return errors.Wrap(err, "delete ledger")
		}
		return errors.Wrap(tx.Delete(&model.Agent{}, agentID).Error, "delete agent")
	})
	if err != nil {
		return err
	}
	s.publish(ctx, notify.NewAgentLedgerChanged(agentID, 0))
	return nil
}
