package seed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

func TestRunSeedsCatalogAndSlots(t *testing.T) {
	store := appointment.NewMemoryStore()
	svc := appointment.NewService(store, nil, appointment.DefaultPolicy())
	ctx := context.Background()

	from := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	opts := Options{
		Caregivers:   3,
		Patients:     7,
		Days:         2,
		From:         from,
		DayStartHour: 8,
		DayEndHour:   20,
		Seed:         42,
	}

	res, err := Run(ctx, store, svc.Slots, opts, zerolog.Nop())
	require.NoError(t, err)

	assert.Len(t, res.Specialties, len(specialtyCatalog))
	assert.Len(t, res.Caregivers, 3)
	assert.Len(t, res.Patients, 7)
	// 12 working hours / 3h slots = 4 per day
	assert.Equal(t, 3*2*4, res.Slots)

	for _, c := range res.Caregivers {
		require.NotNil(t, c.SpecialtyID)
		_, err := store.GetSpecialtyByID(ctx, *c.SpecialtyID)
		require.NoError(t, err)
		assert.True(t, c.HourlyRate.IsPositive())
	}
	for _, p := range res.Patients {
		got, err := store.GetPatientByID(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Email)
	}

	caregiverID := res.Caregivers[0].ID
	listed, err := svc.Slots.ListSlots(ctx, appointment.SlotFilter{CaregiverID: &caregiverID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, listed, 8)
	assert.Equal(t, from.Add(8*time.Hour), listed[0].StartTime)
	expected := res.Caregivers[0].HourlyRate.Mul(decimal.NewFromInt(3))
	assert.True(t, expected.Equal(listed[0].Price), "price %s, want %s", listed[0].Price, expected)
}

func TestRunRejectsInvertedHours(t *testing.T) {
	store := appointment.NewMemoryStore()
	svc := appointment.NewService(store, nil, appointment.DefaultPolicy())

	_, err := Run(context.Background(), store, svc.Slots, Options{DayStartHour: 18, DayEndHour: 8}, zerolog.Nop())
	assert.ErrorContains(t, err, "day end hour")
}
