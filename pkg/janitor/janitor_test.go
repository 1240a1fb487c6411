package janitor

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/threadline/pkg/backend"
	"github.com/harun/threadline/pkg/backend/backendtest"
	"github.com/harun/threadline/pkg/sessionstore"
)

func TestRetryOrphans_DeletesTrackedSessions(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	id, err := fake.CreateSession(ctx)
	require.NoError(t, err)

	j := New(Options{Logger: zerolog.Nop()})
	j.Track(fake, id, errors.New("timeout"))
	j.Track(fake, id, errors.New("timeout again"))
	assert.Equal(t, 1, j.Pending())

	assert.Equal(t, 1, j.RetryOrphans(ctx))
	assert.Equal(t, 0, j.Pending())
	assert.False(t, fake.Exists(id))
}

func TestRetryOrphans_AlreadyGoneCountsAsDeleted(t *testing.T) {
	j := New(Options{Logger: zerolog.Nop()})
	j.Track(backendtest.New(), "sess_gone", errors.New("500"))

	assert.Equal(t, 1, j.RetryOrphans(context.Background()))
	assert.Equal(t, 0, j.Pending())
}

func TestRetryOrphans_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	id, err := fake.CreateSession(ctx)
	require.NoError(t, err)
	fake.DeleteErr = errors.New("500 internal")

	j := New(Options{MaxAttempts: 3, Logger: zerolog.Nop()})
	j.Track(fake, id, fake.DeleteErr)

	assert.Equal(t, 0, j.RetryOrphans(ctx))
	assert.Equal(t, 1, j.Pending())
	assert.Equal(t, 0, j.RetryOrphans(ctx))
	assert.Equal(t, 0, j.Pending())
	assert.Len(t, fake.Deleted(), 2)
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(Options{Schedule: "every now and then", Logger: zerolog.Nop()})
	assert.Error(t, j.Start())
}

func TestStart_RunsOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	ctx := context.Background()
	fake := backendtest.New()
	id, err := fake.CreateSession(ctx)
	require.NoError(t, err)

	j := New(Options{Schedule: "@every 1s", Logger: zerolog.Nop()})
	j.Track(fake, id, errors.New("timeout"))
	require.NoError(t, j.Start())
	require.NoError(t, j.Start())
	defer func() {
		require.NoError(t, j.Stop(ctx))
	}()

	require.Eventually(t, func() bool { return j.Pending() == 0 }, 3*time.Second, 50*time.Millisecond)
	assert.False(t, fake.Exists(id))
}

func TestStop_WithoutStart(t *testing.T) {
	assert.NoError(t, New(Options{}).Stop(context.Background()))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.NoError(t, ValidateSchedule(DefaultSchedule))
	assert.Error(t, ValidateSchedule("* * *"))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := sessionstore.NewMemory()

	for _, name := range []string{"cortex", "aramid", "retired"} {
		id, err := fake.CreateSession(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, name, id))
	}
	require.NoError(t, store.Put(ctx, "unknown", "thread_elsewhere"))
	cortexID, _, _ := store.Get(ctx, "cortex")
	aramidID, _, _ := store.Get(ctx, "aramid")

	resolve := func(agent string) (backend.Client, bool) {
		if agent == "unknown" {
			return nil, false
		}
		return fake, true
	}

	report, err := Sweep(ctx, store, resolve, []string{"cortex"}, zerolog.Nop())
	require.NoError(t, err)

	sort.Strings(report.Deleted)
	assert.Equal(t, []string{"aramid", "retired", "unknown"}, report.Deleted)
	assert.Equal(t, []string{"cortex"}, report.Kept)
	assert.Empty(t, report.Failed)

	assert.True(t, fake.Exists(cortexID))
	assert.False(t, fake.Exists(aramidID))

	remaining, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cortex": cortexID}, remaining)
}

func TestSweep_FailedDeleteKeepsMapping(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	store := sessionstore.NewMemory()
	id, err := fake.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "retired", id))
	fake.DeleteErr = errors.New("503")

	report, err := Sweep(ctx, store, func(string) (backend.Client, bool) { return fake, true }, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Contains(t, report.Failed, "retired")
	assert.Empty(t, report.Deleted)

	_, ok, _ := store.Get(ctx, "retired")
	assert.True(t, ok)
}
