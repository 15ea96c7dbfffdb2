package model

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	cases := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, StatusPending},
		{"shipped and pending", []Status{StatusShipped, StatusPending}, StatusPending},
		{"shipped and packed", []Status{StatusShipped, StatusPacked}, StatusPacked},
		{"all delivered", []Status{StatusDelivered, StatusDelivered}, StatusDelivered},
		{"cancelled ignored", []Status{StatusCancelled, StatusReceived}, StatusReceived},
		{"all cancelled", []Status{StatusCancelled, StatusCancelled}, StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.in))
		})
	}
}

func TestAggregateIsMinimumRankedStatus(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("aggregate == min ranked", prop.ForAll(
		func(raw []int) bool {
			statuses := make([]Status, len(raw))
			for i, r := range raw {
				statuses[i] = Status(r)
			}
			agg := Aggregate(statuses)
			for _, s := range statuses {
				if s.Ranked() && s < agg {
					return false
				}
			}
			for _, s := range statuses {
				if s == agg {
					return true
				}
			}
			return len(statuses) == 0 && agg == StatusPending
		},
		gen.SliceOf(gen.IntRange(int(StatusPending), int(StatusCancelled))),
	))
	properties.TestingRun(t)
}

func TestStatusText(t *testing.T) {
	for s := StatusPending; s <= StatusCancelled; s++ {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("lost")
	assert.Error(t, err)

	b, err := json.Marshal(map[string]Status{"status": StatusReceived})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"received"}`, string(b))

	var out struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"shipped"}`), &out))
	assert.Equal(t, StatusShipped, out.Status)
	assert.Error(t, json.Unmarshal([]byte(`{"status":"teleported"}`), &out))
}

func TestAssignable(t *testing.T) {
	assert.False(t, StatusPending.Assignable())
	assert.False(t, StatusPacked.Assignable())
	assert.True(t, StatusShipped.Assignable())
	assert.True(t, StatusDelivered.Assignable())
	assert.False(t, StatusCancelled.Assignable())
}
