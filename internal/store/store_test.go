package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/store"
)

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) store.Store { return store.NewMemory() },
		},
		{
			name: "sqlite",
			open: func(t *testing.T) store.Store {
				s, err := store.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "jobs.db"))
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "miniredis",
			open: func(t *testing.T) store.Store {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				s := store.NewRedisClient(client, "qgswps")
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
}

func request(id string) model.JobRequest {
	return model.JobRequest{
		Identifier: id,
		Version:    "1.0",
		Service:    "OGC",
		Timeout:    10 * time.Second,
		Expiration: time.Minute,
		Body:       []byte(`{"inputs":{}}`),
	}
}

func TestStore(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, b.open(t)) })
			t.Run("transitions", func(t *testing.T) { testTransitions(t, b.open(t)) })
			t.Run("missing", func(t *testing.T) { testMissing(t, b.open(t)) })
			t.Run("pin", func(t *testing.T) { testPin(t, b.open(t)) })
			t.Run("tokens", func(t *testing.T) { testTokens(t, b.open(t)) })
			t.Run("records", func(t *testing.T) { testRecords(t, b.open(t)) })
			t.Run("concurrent", func(t *testing.T) { testConcurrent(t, b.open(t)) })
		})
	}
}

func testLifecycle(t *testing.T, s store.Store) {
	ctx := t.Context()
	rec, err := s.LogRequest(ctx, "job-1", request("greeter"))
	require.NoError(t, err)
	require.Equal(t, model.StatusNone, rec.Status)
	require.Equal(t, 0, rec.PercentDone)
	require.Equal(t, 10, rec.TimeoutSeconds)
	require.Equal(t, 60, rec.ExpirationSeconds)

	body, err := s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"inputs":{}}`, string(body))

	_, err = s.UpdateResponse(ctx, "job-1", model.StatusUpdate{Status: model.StatusAccepted})
	require.NoError(t, err)
	rec, err = s.UpdateResponse(ctx, "job-1", model.StatusUpdate{
		Status:      model.StatusStarted,
		PercentDone: model.Ptr(50),
		Pid:         model.Ptr(1234),
	})
	require.NoError(t, err)
	require.Equal(t, 1234, rec.Pid)

	require.NoError(t, s.WriteResponse(ctx, "job-1", []byte("<doc/>")))
	rec, err = s.UpdateResponse(ctx, "job-1", model.StatusUpdate{
		Status:  model.StatusSucceeded,
		Message: model.Ptr("Task finished"),
	})
	require.NoError(t, err)

	got, err := s.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, model.StatusSucceeded, got.Status)
	require.Equal(t, "Task finished", got.Message)
	require.Equal(t, "greeter", got.Identifier)
	require.Zero(t, got.Pid)
	require.NotNil(t, got.TimeEnd)
	require.NotNil(t, got.ExpireAt)
	require.WithinDuration(t, got.TimeEnd.Add(time.Minute), *got.ExpireAt, time.Millisecond)

	results, err := s.GetResults(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "<doc/>", string(results))

	require.NoError(t, s.DeleteResponse(ctx, "job-1"))
	got, err = s.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, got)
	results, err = s.GetResults(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, results)
	body, err = s.GetRequest(ctx, "job-1")
	require.NoError(t, err)
	require.Nil(t, body)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := t.Context()
	_, err := s.LogRequest(ctx, "job", request("sleep"))
	require.NoError(t, err)
	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusStarted})
	require.NoError(t, err)

	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusAccepted})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.WriteResponse(ctx, "job", []byte("started")))
	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusDismissed})
	require.NoError(t, err)

	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusSucceeded})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Message: model.Ptr("late progress")})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	// a late document does not overwrite the one of a terminal job
	err = s.WriteResponse(ctx, "job", []byte("succeeded"))
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	results, err := s.GetResults(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, "started", string(results))

	got, err := s.GetStatus(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, model.StatusDismissed, got.Status)
	require.NotEqual(t, "late progress", got.Message)
}

func testMissing(t *testing.T, s store.Store) {
	ctx := t.Context()
	got, err := s.GetStatus(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = s.PinResponse(ctx, "nope", true)
	require.ErrorIs(t, err, store.ErrNotFound)

	// updates auto create the record
	rec, err := s.UpdateResponse(ctx, "ghost", model.StatusUpdate{Status: model.StatusAccepted})
	require.NoError(t, err)
	require.Equal(t, "ghost", rec.UUID)
	got, err = s.GetStatus(ctx, "ghost")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, model.StatusAccepted, got.Status)
}

func testPin(t *testing.T, s store.Store) {
	ctx := t.Context()
	_, err := s.LogRequest(ctx, "job", request("ultimate_question"))
	require.NoError(t, err)
	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusStarted})
	require.NoError(t, err)

	_, err = s.PinResponse(ctx, "job", true)
	require.ErrorIs(t, err, store.ErrNotPinnable)

	_, err = s.UpdateResponse(ctx, "job", model.StatusUpdate{Status: model.StatusSucceeded})
	require.NoError(t, err)

	rec, err := s.PinResponse(ctx, "job", true)
	require.NoError(t, err)
	require.True(t, rec.Pinned)
	require.Nil(t, rec.ExpireAt)

	rec, err = s.PinResponse(ctx, "job", false)
	require.NoError(t, err)
	require.False(t, rec.Pinned)
	require.NotNil(t, rec.ExpireAt)
	require.WithinDuration(t, rec.TimeEnd.Add(time.Minute), *rec.ExpireAt, time.Millisecond)
}

func testTokens(t *testing.T, s store.Store) {
	ctx := t.Context()
	type target struct {
		UUID string `json:"uuid"`
		Path string `json:"path"`
	}
	token, err := s.SetJSON(ctx, target{UUID: "job", Path: "out.txt"}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	var got target
	ok, err := s.GetJSON(ctx, token, &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, target{UUID: "job", Path: "out.txt"}, got)

	ok, err = s.GetJSON(ctx, "unknown", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func testRecords(t *testing.T, s store.Store) {
	ctx := t.Context()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.LogRequest(ctx, id, request("mult"))
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for rec, err := range s.Records(ctx) {
		require.NoError(t, err)
		seen[rec.UUID] = true
		// deleting while ranging must be safe
		require.NoError(t, s.DeleteResponse(ctx, rec.UUID))
	}
	require.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)

	list, err := s.ListStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func testConcurrent(t *testing.T, s store.Store) {
	ctx := t.Context()
	_, err := s.LogRequest(ctx, "race", request("sleep"))
	require.NoError(t, err)
	_, err = s.UpdateResponse(ctx, "race", model.StatusUpdate{Status: model.StatusStarted})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mx sync.Mutex
	var succeeded, rejected int
	for range 8 {
		wg.Go(func() {
			_, err := s.UpdateResponse(ctx, "race", model.StatusUpdate{Status: model.StatusSucceeded})
			mx.Lock()
			defer mx.Unlock()
			if err == nil {
				succeeded++
			} else {
				rejected++
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, succeeded)
	require.Equal(t, 7, rejected)
}

func TestNew(t *testing.T) {
	s, err := store.New(t.Context(), model.Store{Backend: model.StoreMemory})
	require.NoError(t, err)
	require.NoError(t, s.Ping(t.Context()))

	_, err = store.New(t.Context(), model.Store{Backend: "mongo"})
	require.Error(t, err)
}

func TestRedisContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Minute)
	defer cancel()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	s := store.NewRedisClient(redis.NewClient(opts), "it")
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(ctx))
	testLifecycle(t, s)
	testConcurrent(t, s)
}
