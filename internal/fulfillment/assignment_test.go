package fulfillment

import (
	"context"
	"fmt"
	"testing"

	"fulfillment/internal/model"
	"fulfillment/internal/notify"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) agent(t *testing.T, name, phone string) *model.Agent {
	t.Helper()
	a, err := f.svc.CreateAgent(context.Background(), AgentInput{Name: name, Phone: phone})
	require.NoError(t, err)
	return a
}

func TestAssignFiltersIneligibleAndDuplicates(t *testing.T) {
	f := newFixture(t)
	p := f.seedProduct(t, "Kurta", "499.00", variantSeed{"red", "M", 5}, variantSeed{"blue", "S", 5})
	shipped := f.checkout(t, 7, line(p.ID, "red", "M", 2))
	waiting := f.checkout(t, 8, line(p.ID, "blue", "S", 1))
	shippedRes := f.confirm(t, shipped.PaymentOrderHandle)
	f.confirm(t, waiting.PaymentOrderHandle)
	f.setOrderStatus(t, shipped.OrderID, model.StatusShipped)
	f.setOrderStatus(t, waiting.OrderID, model.StatusPacked)

	a := f.agent(t, "Ravi", "99001")
	ctx := context.Background()
	candidates := []CandidateUnit{
		{TrackingIdentity: shippedRes.TrackingIdentities[0]},
		{OrderID: shipped.OrderID, ProductID: p.ID, Color: "red", Size: "M", UnitIndex: 2},
		{OrderID: waiting.OrderID, ProductID: p.ID, Color: "blue", Size: "S", UnitIndex: 1},
	}
	res, err := f.svc.Assign(ctx, a.ID, candidates)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	assert.Empty(t, res.RejectedDuplicates)
	require.Len(t, res.RejectedIneligible, 1)
	assert.Equal(t, waiting.OrderID, res.RejectedIneligible[0].OrderID)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "Asha", res.Accepted[0].CustomerName)
	assert.Equal(t, "Kurta", res.Accepted[0].ProductName)

	// retry of the same unit
	res, err = f.svc.Assign(ctx, a.ID, candidates[:1])
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.RejectedDuplicates, 1)
	assert.Equal(t, shippedRes.TrackingIdentities[0], res.RejectedDuplicates[0].TrackingIdentity)
	assert.Equal(t, 2, res.Count)

	// a unit sits on at most one ledger
	other := f.agent(t, "Meena", "99002")
	res, err = f.svc.Assign(ctx, other.ID, candidates[:1])
	require.NoError(t, err)
	require.Len(t, res.RejectedDuplicates, 1)
	assert.Equal(t, fmt.Sprintf("already assigned to agent %d", a.ID), res.RejectedDuplicates[0].Reason)

	var stored model.Agent
	require.NoError(t, f.db.First(&stored, a.ID).Error)
	assert.Equal(t, 2, stored.Count)
	assert.Contains(t, f.events.names(), notify.EventAgentLedgerChanged)
}

func TestAssignRejectsUnknownUnits(t *testing.T) {
	f := newFixture(t)
	co, _ := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Ravi", "")
	ctx := context.Background()

	v, err := f.svc.GetOrder(ctx, co.OrderID)
	require.NoError(t, err)
	pid := v.Items.Data()[0].ProductID

	_, err = f.svc.Assign(ctx, a.ID, []CandidateUnit{{OrderID: co.OrderID, ProductID: pid, Color: "red", Size: "M", UnitIndex: 3}})
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "unit", nf.Kind)

	_, err = f.svc.Assign(ctx, 404, []CandidateUnit{{OrderID: co.OrderID, ProductID: pid, Color: "red", Size: "M", UnitIndex: 1}})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "agent", nf.Kind)

	_, err = f.svc.Assign(ctx, a.ID, []CandidateUnit{{TrackingIdentity: "1-2-3"}})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = f.svc.Assign(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRetractRemovesUnitAndEmptyBatch(t *testing.T) {
	f := newFixture(t)
	co, res := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Arun", "")
	ctx := context.Background()

	unit := res.TrackingIdentities[0]
	assigned, err := f.svc.Assign(ctx, a.ID, []CandidateUnit{{TrackingIdentity: unit}})
	require.NoError(t, err)
	require.Equal(t, 1, assigned.Count)

	out, err := f.svc.Retract(ctx, a.ID, unit)
	require.NoError(t, err)
	assert.Equal(t, 1, out.RemovedCount)
	assert.Equal(t, 0, out.Count)

	views, err := f.svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Empty(t, views[0].Batches)
	assert.Equal(t, 0, views[0].Count)

	out, err = f.svc.Retract(ctx, a.ID, unit)
	require.NoError(t, err)
	assert.Equal(t, 0, out.RemovedCount)

	// the unit is free for another agent again
	b := f.agent(t, "Meena", "")
	again, err := f.svc.Assign(ctx, b.ID, []CandidateUnit{{TrackingIdentity: unit}})
	require.NoError(t, err)
	assert.Len(t, again.Accepted, 1)
}

func TestRetractKeepsOtherUnitsOfBatch(t *testing.T) {
	f := newFixture(t)
	co, res := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Ravi", "")
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, a.ID, []CandidateUnit{
		{TrackingIdentity: res.TrackingIdentities[0]},
		{TrackingIdentity: res.TrackingIdentities[1]},
	})
	require.NoError(t, err)

	out, err := f.svc.Retract(ctx, a.ID, res.TrackingIdentities[0])
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)

	views, err := f.svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, views[0].Batches, 1)
	require.Len(t, views[0].Batches[0].Units, 1)
	assert.Equal(t, res.TrackingIdentities[1], views[0].Batches[0].Units[0].TrackingIdentity)
}

func TestListAgentsPrefersLiveOrderData(t *testing.T) {
	f := newFixture(t)
	co, res := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Ravi", "99001")
	ctx := context.Background()

	_, err := f.svc.Assign(ctx, a.ID, []CandidateUnit{{TrackingIdentity: res.TrackingIdentities[0]}})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.Order{}).Where("id = ?", co.OrderID).
		Update("customer_address", "44 Brigade Road").Error)
	_, err = f.svc.UpdateTokenStatuses(ctx, co.OrderID, []TokenUpdate{
		{TrackingIdentity: res.TrackingIdentities[0], Status: statusPtr(model.StatusReceived)},
	})
	require.NoError(t, err)

	views, err := f.svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	assert.False(t, v.Provisional)
	require.Len(t, v.Batches, 1)
	b := v.Batches[0]
	assert.Equal(t, "44 Brigade Road", b.CustomerAddress)
	assert.Equal(t, model.StatusPending, b.OrderStatus, "aggregate fell back to the unscanned unit")
	require.Len(t, b.Units, 1)
	require.NotNil(t, b.Units[0].TokenStatus)
	assert.Equal(t, model.StatusReceived, *b.Units[0].TokenStatus)
	assert.NotEmpty(t, b.Units[0].ImagePath)
}

func TestListAgentsProvisionalViewDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	co, _ := paidOrder(t, f)
	a := f.agent(t, "Ravi", "99001")
	f.agent(t, "Meena", "99002")
	ctx := context.Background()

	phone := "99001"
	_, err := f.svc.UpdateOrderSupport(ctx, co.OrderID, SupportUpdate{DeliveryAgentPhone: &phone})
	require.NoError(t, err)

	views, err := f.svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, a.ID, views[0].ID)
	assert.True(t, views[0].Provisional)
	require.Len(t, views[0].Batches, 1)
	assert.Equal(t, co.OrderID, views[0].Batches[0].OrderID)
	assert.Len(t, views[0].Batches[0].Units, 2)
	assert.Equal(t, 0, views[0].Count)

	assert.False(t, views[1].Provisional)
	assert.Empty(t, views[1].Batches)

	var n int64
	require.NoError(t, f.db.Model(&model.AssignmentEntry{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDeleteAgentDropsLedger(t *testing.T) {
	f := newFixture(t)
	co, res := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Ravi", "")
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, a.ID, []CandidateUnit{{TrackingIdentity: res.TrackingIdentities[0]}})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteAgent(ctx, a.ID))
	var n int64
	require.NoError(t, f.db.Model(&model.AssignmentEntry{}).Count(&n).Error)
	assert.Zero(t, n)

	err = f.svc.DeleteAgent(ctx, a.ID)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestUpdateAgentProfile(t *testing.T) {
	f := newFixture(t)
	co, res := paidOrder(t, f)
	f.setOrderStatus(t, co.OrderID, model.StatusShipped)
	a := f.agent(t, "Ravi", "99001")
	ctx := context.Background()
	_, err := f.svc.Assign(ctx, a.ID, []CandidateUnit{{TrackingIdentity: res.TrackingIdentities[0]}})
	require.NoError(t, err)

	zone, phone := "North", "99002"
	updated, err := f.svc.UpdateAgent(ctx, a.ID, AgentUpdate{Zone: &zone, Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "Ravi", updated.Name)
	assert.Equal(t, "North", updated.Zone)
	assert.Equal(t, "99002", updated.Phone)
	// 资料更新不动台账
	assert.Equal(t, 1, updated.Count)

	blank := "  "
	_, err = f.svc.UpdateAgent(ctx, a.ID, AgentUpdate{Name: &blank})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var nf *NotFoundError
	_, err = f.svc.UpdateAgent(ctx, a.ID+100, AgentUpdate{Zone: &zone})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "agent", nf.Kind)
}
