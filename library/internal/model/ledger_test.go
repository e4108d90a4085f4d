package model_test

import (
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLateDays(t *testing.T) {
	t.Parallel()
	due := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		returned time.Time
		want     int64
	}{
		{name: "early", returned: due.AddDate(0, 0, -1), want: 0},
		{name: "on due date", returned: due.Add(23 * time.Hour), want: 0},
		{name: "one day", returned: due.AddDate(0, 0, 1).Add(time.Minute), want: 1},
		{name: "three days", returned: due.AddDate(0, 0, 3), want: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, model.LateDays(due, tt.returned))
		})
	}
}

func TestRealAvailability(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		total     int
		usage     model.Usage
		available int
		free      int
	}{
		{name: "untouched", total: 3, available: 3, free: 3},
		{name: "loans and holds", total: 3, usage: model.Usage{OpenLoans: 1, Active: 1}, available: 1, free: 1},
		{name: "queue waits on free slot", total: 2, usage: model.Usage{OpenLoans: 1, Pending: 1}, available: 0, free: 1},
		{name: "never negative", total: 1, usage: model.Usage{OpenLoans: 2, Pending: 3}, available: 0, free: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.available, model.RealAvailability(tt.total, tt.usage))
			require.Equal(t, tt.free, model.FreeSlots(tt.total, tt.usage))
		})
	}
}

func TestActor_CanActFor(t *testing.T) {
	t.Parallel()
	require.True(t, model.SystemActor.CanActFor(42))
	require.True(t, model.Actor{PatronID: 7, Role: model.RoleRegular}.CanActFor(7))
	require.False(t, model.Actor{PatronID: 7, Role: model.RoleRegular}.CanActFor(8))
	require.False(t, model.Actor{Role: model.RoleRegular}.CanActFor(0))
}
