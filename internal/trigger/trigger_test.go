package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskconsole/internal/model"
)

func TestToCron(t *testing.T) {
	tests := []struct {
		name string
		in   model.Trigger
		want string
	}{
		{"daily", model.Trigger{Mode: model.TriggerDaily, Hour: 2, Minute: 30}, "30 2 * * *"},
		{"daily midnight", model.Trigger{Mode: model.TriggerDaily}, "0 0 * * *"},
		{"weekly sorted and deduped", model.Trigger{Mode: model.TriggerWeekly, Hour: 9, Days: []int{5, 1, 5}}, "0 9 * * 1,5"},
		{"monthly", model.Trigger{Mode: model.TriggerMonthly, Hour: 23, Minute: 59, Days: []int{31, 1}}, "59 23 1,31 * *"},
		{"custom normalized", model.Trigger{Mode: model.TriggerCustom, Cron: "  */15   *  * * * "}, "*/15 * * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToCron(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		in      model.Trigger
		wantErr string
	}{
		{"no mode", model.Trigger{}, "mode is required"},
		{"unknown mode", model.Trigger{Mode: "hourly"}, "unknown trigger mode"},
		{"hour", model.Trigger{Mode: model.TriggerDaily, Hour: 24}, "hour 24"},
		{"minute", model.Trigger{Mode: model.TriggerDaily, Minute: -1}, "minute -1"},
		{"weekly without days", model.Trigger{Mode: model.TriggerWeekly}, "at least one weekday"},
		{"weekday", model.Trigger{Mode: model.TriggerWeekly, Days: []int{7}}, "weekday 7"},
		{"day of month", model.Trigger{Mode: model.TriggerMonthly, Days: []int{0}}, "day of month 0"},
		{"custom empty", model.Trigger{Mode: model.TriggerCustom}, "requires a cron"},
		{"custom invalid", model.Trigger{Mode: model.TriggerCustom, Cron: "not a cron"}, "parse cron"},
		{"custom six fields", model.Trigger{Mode: model.TriggerCustom, Cron: "0 0 0 * * *"}, "parse cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNext(t *testing.T) {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC) // Tuesday

	next, err := Next(model.Trigger{Mode: model.TriggerDaily, Hour: 12}, base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), next)

	next, err = Next(model.Trigger{Mode: model.TriggerDaily, Hour: 9}, base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)

	next, err = Next(model.Trigger{Mode: model.TriggerWeekly, Hour: 8, Days: []int{1}}, base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC), next)

	_, err = Next(model.Trigger{Mode: model.TriggerDaily, Hour: 99}, base)
	assert.Error(t, err)
}

func TestNextN(t *testing.T) {
	base := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	times, err := NextN(model.Trigger{Mode: model.TriggerMonthly, Hour: 6, Days: []int{31}}, base, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	assert.Equal(t, time.Date(2026, 1, 31, 6, 0, 0, 0, time.UTC), times[0])
	assert.Equal(t, time.Date(2026, 3, 31, 6, 0, 0, 0, time.UTC), times[1])
	assert.Equal(t, time.Date(2026, 5, 31, 6, 0, 0, 0, time.UTC), times[2])

	s, err := Parse(model.Trigger{Mode: model.TriggerCustom, Cron: "*/5 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", s.String())
	assert.Empty(t, s.NextN(base, 0))
}

func TestNextN_CountOutOfRange(t *testing.T) {
	daily := model.Trigger{Mode: model.TriggerDaily, Hour: 6}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, n := range []int{0, -1, -100, MaxCount + 1} {
		_, err := NextN(daily, base, n)
		assert.Error(t, err, "n=%d", n)
		assert.Error(t, ValidateCount(n), "n=%d", n)
	}
	assert.NoError(t, ValidateCount(1))
	assert.NoError(t, ValidateCount(MaxCount))

	s, err := Parse(daily)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		assert.Empty(t, s.NextN(base, -1))
	})
	assert.Len(t, s.NextN(base, MaxCount+50), MaxCount)
}

func TestNextN_NeverFires(t *testing.T) {
	s, err := Parse(model.Trigger{Mode: model.TriggerCustom, Cron: "0 0 30 2 *"})
	require.NoError(t, err)
	assert.Empty(t, s.NextN(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 3))
}
