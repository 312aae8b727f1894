package model_test

import (
	"testing"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	var tcs = []struct {
		given string
		then  time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"10m", 10 * time.Minute},
		{"PT30S", 30 * time.Second},
		{"P1DT2H", 26 * time.Hour},
		{"PT1M30.5S", 90*time.Second + 500*time.Millisecond},
		{"PT0,25S", 250 * time.Millisecond},
	}
	for _, tc := range tcs {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseDuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseISODuration_Invalid(t *testing.T) {
	for _, given := range []string{"P", "PT", "P1DT", "P2M", "P1Y", "PT1.0123456789S", "1H"} {
		t.Run(given, func(t *testing.T) {
			_, err := model.ParseISODuration(given)
			require.ErrorIs(t, err, model.ErrISOFormat)
		})
	}
}

func TestScheduleInterval(t *testing.T) {
	d, err := model.ScheduleInterval("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = model.ScheduleInterval("@every 90s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	_, err = model.ParseSchedule("")
	require.Error(t, err)
	_, err = model.ParseSchedule("* * *")
	require.Error(t, err)
}
