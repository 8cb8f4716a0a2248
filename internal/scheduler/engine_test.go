package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localfirst/assistantgw/internal/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateGetUpdateDeleteJob(t *testing.T) {
	store := newTestStore(t)
	eng := NewEngine(store, func(context.Context, Job, string) (string, error) { return "ok", nil })

	created, err := eng.CreateJob(jobSpecFixture())
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, ok := eng.GetJob(created.ID)
	require.True(t, ok)
	require.Equal(t, created.Name, got.Name)

	created.Name = "renamed"
	updated, err := eng.UpdateJob(created)
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)

	require.NoError(t, eng.DeleteJob(created.ID))
	_, ok = eng.GetJob(created.ID)
	require.False(t, ok)
}

func TestUpdateRejectsInvalidCron(t *testing.T) {
	store := newTestStore(t)
	eng := NewEngine(store, func(context.Context, Job, string) (string, error) { return "", nil })

	created, err := eng.CreateJob(jobSpecFixture())
	require.NoError(t, err)

	created.Cron = "not a cron"
	_, err = eng.UpdateJob(created)
	require.Error(t, err)
}

func TestRunNowRecordsARun(t *testing.T) {
	store := newTestStore(t)
	done := make(chan struct{})
	eng := NewEngine(store, func(context.Context, Job, string) (string, error) {
		defer close(done)
		return "hello", nil
	})

	created, err := eng.CreateJob(jobSpecFixture())
	require.NoError(t, err)

	require.NoError(t, eng.RunNow(created.ID))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not execute")
	}

	require.Eventually(t, func() bool {
		return len(eng.Runs(created.ID, 0)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSingleflightSkipsConcurrentFire(t *testing.T) {
	store := newTestStore(t)
	var running int32
	release := make(chan struct{})
	eng := NewEngine(store, func(context.Context, Job, string) (string, error) {
		atomic.AddInt32(&running, 1)
		<-release
		return "", nil
	})

	created, err := eng.CreateJob(jobSpecFixture())
	require.NoError(t, err)

	job, _ := store.GetJob(created.ID)
	eng.fire(context.Background(), job)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, 5*time.Millisecond)

	eng.fire(context.Background(), job) // should be skipped: already active
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, 5*time.Millisecond)
}

func TestExecuteJobBroadcastsRunCompletedWithStatusEnum(t *testing.T) {
	store := newTestStore(t)
	done := make(chan struct{})
	eng := NewEngine(store, func(context.Context, Job, string) (string, error) {
		return "digest ready", nil
	})

	var events []map[string]any
	eng.WithBroadcast(func(event string, data any) {
		payload, _ := data.(map[string]any)
		events = append(events, payload)
		close(done)
	})

	created, err := eng.CreateJob(jobSpecFixture())
	require.NoError(t, err)

	require.NoError(t, eng.RunNow(created.ID))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never fired")
	}

	require.Len(t, events, 1)
	require.Equal(t, "success", events[0]["status"])
	require.Equal(t, created.ID, events[0]["jobId"])

	runs := eng.Runs(created.ID, 0)
	require.Len(t, runs, 1)
	require.Equal(t, "success", runs[0].Status)
}

func jobSpecFixture() tools.JobSpec {
	return tools.JobSpec{Name: "digest", Cron: "0 9 * * *", Prompt: "summarize", Enabled: true}
}
