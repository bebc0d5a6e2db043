package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every hour", "0 * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"weekday business hours", "0 9-17 * * 1-5"},
		{"monday morning review digest", "0 8 * * 1"},
		{"quarter start", "0 0 1 1,4,7,10 *"},
		{"descriptor", "@daily"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "UTC")
			require.NoError(t, err)
			assert.NotNil(t, sched)
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"too few fields", "* * *"},
		{"seconds field", "0 0 * * * *"},
		{"minute out of range", "60 * * * *"},
		{"garbage", "whenever"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, p.Validate(tt.expr, "UTC"))
		})
	}
}

func TestParser_Timezone(t *testing.T) {
	p := NewParser()

	require.NoError(t, p.Validate("0 * * * *", ""), "empty timezone defaults to UTC")
	require.NoError(t, p.Validate("0 * * * *", "Asia/Riyadh"))
	assert.Error(t, p.Validate("0 * * * *", "Invalid/Zone"))
}

func TestParser_NextCalculation(t *testing.T) {
	p := NewParser()

	sched, err := p.Parse("0 10 * * *", "UTC")
	require.NoError(t, err)

	after := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), sched.Next(after).UTC())

	after = time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC), sched.Next(after).UTC())
}

func TestParser_NextCalculation_Timezone(t *testing.T) {
	p := NewParser()

	// 10:00 in Riyadh (UTC+3) is 07:00 UTC.
	sched, err := p.Parse("0 10 * * *", "Asia/Riyadh")
	require.NoError(t, err)

	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 15, 7, 0, 0, 0, time.UTC), sched.Next(ref).UTC())
}

func TestBetween(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("*/15 * * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

	got := Between(sched, from, to)
	want := []time.Time{
		time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 10, 45, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, want, got)
}

func TestBetween_NothingDue(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("0 0 * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Empty(t, Between(sched, from, from.Add(time.Hour)))
}

func TestBetween_CatchUpIsBounded(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("* * * * *", "UTC")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Between(sched, from, from.Add(48*time.Hour))
	assert.Len(t, got, maxCatchUp)
}
