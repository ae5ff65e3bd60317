package cli

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/dealdesk-hq/dealdesk/jobs"
)

func newJobsCLI(t *testing.T) (*JobsCLI, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli, err := NewJobsCLI(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli, mr
}

func TestTriggerEnqueuesWarmup(t *testing.T) {
	cli, _ := newJobsCLI(t)

	info, err := cli.Trigger(context.Background(), jobs.TaskPermissionWarmup)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskPermissionWarmup, info.Type)
	require.Equal(t, jobs.QueueDefault, info.Queue)
	require.Equal(t, asynq.TaskStatePending, info.State)

	stats, err := cli.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobs.QueueDefault, stats.Queue)
	require.Equal(t, 1, stats.Pending)
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	cli, _ := newJobsCLI(t)

	_, err := cli.Trigger(context.Background(), "authz:reindex")
	require.ErrorContains(t, err, "unsupported job")
}

func TestListScheduledReturnsDeferredTasks(t *testing.T) {
	cli, mr := newJobsCLI(t)

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	task, err := jobs.NewPermissionWarmupTask(jobs.PermissionWarmupPayload{MaxUsers: 50})
	require.NoError(t, err)
	_, err = client.Enqueue(task, asynq.Queue(jobs.QueueDefault), asynq.ProcessIn(time.Hour))
	require.NoError(t, err)

	scheduled, err := cli.ListScheduled(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, jobs.TaskPermissionWarmup, scheduled[0].Type)
}

func TestUnconfiguredCLIErrors(t *testing.T) {
	var cli *JobsCLI

	_, err := cli.Trigger(context.Background(), jobs.TaskPermissionWarmup)
	require.Error(t, err)
	_, err = cli.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = cli.ListScheduled(context.Background(), 1)
	require.Error(t, err)
}
