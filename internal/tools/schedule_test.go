package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	jobs map[string]JobSpec
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{jobs: map[string]JobSpec{}} }

func (f *fakeScheduler) CreateJob(spec JobSpec) (JobSpec, error) {
	spec.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	f.jobs[spec.ID] = spec
	return spec, nil
}
func (f *fakeScheduler) UpdateJob(spec JobSpec) (JobSpec, error) {
	if _, ok := f.jobs[spec.ID]; !ok {
		return JobSpec{}, fmt.Errorf("not found")
	}
	f.jobs[spec.ID] = spec
	return spec, nil
}
func (f *fakeScheduler) DeleteJob(id string) error {
	delete(f.jobs, id)
	return nil
}
func (f *fakeScheduler) GetJob(id string) (JobSpec, bool) {
	j, ok := f.jobs[id]
	return j, ok
}
func (f *fakeScheduler) ListJobs() []JobSpec {
	out := make([]JobSpec, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}
func (f *fakeScheduler) RunNow(id string) error {
	if _, ok := f.jobs[id]; !ok {
		return fmt.Errorf("not found")
	}
	return nil
}
func (f *fakeScheduler) Runs(id string, limit int) []JobRunSummary { return nil }

func TestScheduleToolCreateAndGet(t *testing.T) {
	sched := newFakeScheduler()
	tool := NewScheduleTool(sched)

	createArgs, _ := json.Marshal(scheduleArgs{Action: "create", Job: JobSpec{Name: "daily digest", Cron: "0 9 * * *", Prompt: "summarize"}})
	res, err := tool.Execute(context.Background(), createArgs)
	require.NoError(t, err)
	require.False(t, res.IsError)

	var created JobSpec
	require.NoError(t, json.Unmarshal([]byte(res.Output), &created))
	require.NotEmpty(t, created.ID)

	getArgs, _ := json.Marshal(scheduleArgs{Action: "get", ID: created.ID})
	res, err = tool.Execute(context.Background(), getArgs)
	require.NoError(t, err)
	require.Contains(t, res.Output, "daily digest")
}

func TestScheduleToolDeleteUnknownJobStillSucceeds(t *testing.T) {
	tool := NewScheduleTool(newFakeScheduler())
	args, _ := json.Marshal(scheduleArgs{Action: "delete", ID: "nope"})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestScheduleToolUnknownActionErrors(t *testing.T) {
	tool := NewScheduleTool(newFakeScheduler())
	args, _ := json.Marshal(scheduleArgs{Action: "run", ID: "nope"})
	res, err := tool.Execute(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestScheduleToolListFormatsJobs(t *testing.T) {
	sched := newFakeScheduler()
	tool := NewScheduleTool(sched)

	createArgs, _ := json.Marshal(scheduleArgs{Action: "create", Job: JobSpec{Name: "daily digest", Cron: "0 9 * * *", Prompt: "summarize", Enabled: true}})
	_, err := tool.Execute(context.Background(), createArgs)
	require.NoError(t, err)

	listArgs, _ := json.Marshal(scheduleArgs{Action: "list"})
	res, err := tool.Execute(context.Background(), listArgs)
	require.NoError(t, err)
	require.Contains(t, res.Output, "enabled")
	require.Contains(t, res.Output, "0 9 * * *")
	require.Contains(t, res.Output, "last run: never")
}
