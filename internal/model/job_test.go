package model_test

import (
	"testing"
	"time"

	"github.com/3liz/qgswps/internal/model"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransition(t *testing.T) {
	var tcs = []struct {
		from, to model.JobStatus
		then     bool
	}{
		{model.StatusNone, model.StatusAccepted, true},
		{model.StatusAccepted, model.StatusStarted, true},
		{model.StatusStarted, model.StatusStarted, true},
		{model.StatusStarted, model.StatusSucceeded, true},
		{model.StatusAccepted, model.StatusFailed, true},
		{model.StatusStarted, model.StatusAccepted, false},
		{model.StatusStarted, model.StatusDismissed, true},
		{model.StatusSucceeded, model.StatusFailed, false},
		{model.StatusFailed, model.StatusSucceeded, false},
		{model.StatusDismissed, model.StatusStarted, false},
		{model.StatusSucceeded, model.StatusDismissed, false},
		{model.StatusStarted, "bogus", false},
	}
	for _, tc := range tcs {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.then, tc.from.CanTransition(tc.to))
		})
	}
}

func TestStatusUpdate_Apply(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := model.JobRecord{
		UUID:              "job",
		Status:            model.StatusAccepted,
		TimeStart:         start,
		ExpirationSeconds: 60,
	}

	model.StatusUpdate{
		Status:      model.StatusStarted,
		PercentDone: model.Ptr(150),
		Pid:         model.Ptr(42),
		Timestamp:   start.Add(time.Second),
	}.Apply(&rec)
	require.Equal(t, model.StatusStarted, rec.Status)
	require.Equal(t, 100, rec.PercentDone)
	require.Equal(t, 42, rec.Pid)
	require.Nil(t, rec.TimeEnd)

	end := start.Add(10 * time.Second)
	model.StatusUpdate{
		Status:    model.StatusSucceeded,
		Message:   model.Ptr("done"),
		Timestamp: end,
	}.Apply(&rec)
	require.Equal(t, "done", rec.Message)
	require.Equal(t, 0, rec.Pid)
	require.NotNil(t, rec.TimeEnd)
	require.Equal(t, end, *rec.TimeEnd)
	require.NotNil(t, rec.ExpireAt)
	require.Equal(t, end.Add(time.Minute), *rec.ExpireAt)
}

func TestJobRecord_Defaults(t *testing.T) {
	var rec model.JobRecord
	require.Equal(t, time.Hour, rec.Timeout(time.Hour))
	require.Equal(t, time.Hour, rec.Expiration(time.Hour))
	rec.TimeoutSeconds = 3
	rec.ExpirationSeconds = 5
	require.Equal(t, 3*time.Second, rec.Timeout(time.Hour))
	require.Equal(t, 5*time.Second, rec.Expiration(time.Hour))
}
