package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dealdesk-hq/dealdesk/internal/authz"
)

type recordingSource struct {
	mu       sync.Mutex
	fetched  []string
	fetchErr error
}

func (s *recordingSource) FetchPermissions(ctx context.Context, userID string) ([]authz.Permission, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, userID)
	s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return []authz.Permission{authz.PermViewOwnDeals}, nil
}

func (s *recordingSource) ValidatePermission(ctx context.Context, userID string, perm authz.Permission) (bool, error) {
	return false, errors.New("not used")
}

func (s *recordingSource) fetchedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

func newWarmupHarness(t *testing.T, src *recordingSource) (*PermissionWarmupJob, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.DiscardHandler)
	cache := authz.NewCache(src, logger)
	return NewPermissionWarmupJob(cache, client, logger, nil), mr
}

func warmupTask(t *testing.T, maxUsers int) *asynq.Task {
	t.Helper()
	task, err := NewPermissionWarmupTask(PermissionWarmupPayload{MaxUsers: maxUsers})
	require.NoError(t, err)
	return task
}

func TestPermissionWarmupRefreshesActiveSessionUsers(t *testing.T) {
	src := &recordingSource{}
	job, mr := newWarmupHarness(t, src)

	mr.Set("session:a", `{"values":{},"user_id":"u-1","role":"salesperson"}`)
	mr.Set("session:b", `{"values":{},"user_id":"u-2","role":"verifier"}`)
	mr.Set("session:c", `{"values":{},"user_id":"","role":""}`)

	require.NoError(t, job.Handle(context.Background(), warmupTask(t, 10)))
	require.ElementsMatch(t, []string{"u-1", "u-2"}, src.fetchedUsers())
}

func TestPermissionWarmupDeduplicatesUsersAcrossSessions(t *testing.T) {
	src := &recordingSource{}
	job, mr := newWarmupHarness(t, src)

	mr.Set("session:laptop", `{"values":{},"user_id":"u-1","role":"salesperson"}`)
	mr.Set("session:phone", `{"values":{},"user_id":"u-1","role":"salesperson"}`)

	require.NoError(t, job.Handle(context.Background(), warmupTask(t, 10)))
	require.Equal(t, []string{"u-1"}, src.fetchedUsers())
}

func TestPermissionWarmupSwallowsPerUserFetchFailures(t *testing.T) {
	src := &recordingSource{fetchErr: errors.New("backend down")}
	job, mr := newWarmupHarness(t, src)

	mr.Set("session:a", `{"values":{},"user_id":"u-1","role":"salesperson"}`)

	// Refresh failures are logged and counted, not surfaced to asynq.
	require.NoError(t, job.Handle(context.Background(), warmupTask(t, 10)))
	require.Equal(t, []string{"u-1"}, src.fetchedUsers())
}

func TestPermissionWarmupSkipsRetryOnMalformedPayload(t *testing.T) {
	src := &recordingSource{}
	job, _ := newWarmupHarness(t, src)

	task := asynq.NewTask(TaskPermissionWarmup, []byte(`{"max_users":`))
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, src.fetchedUsers())
}

func TestPermissionWarmupWithoutRedisFails(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	cache := authz.NewCache(&recordingSource{}, logger)
	job := NewPermissionWarmupJob(cache, nil, logger, nil)

	err := job.Handle(context.Background(), warmupTask(t, 10))
	require.Error(t, err)
}
