package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dealdesk-hq/dealdesk/internal/authz"
	jobmetrics "github.com/dealdesk-hq/dealdesk/internal/jobs"
	"github.com/dealdesk-hq/dealdesk/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PermissionWarmupJob re-fetches backend permissions for users with live
// sessions. It keeps the worker's cache primed and surfaces auth-backend
// failures in metrics ahead of user traffic.
type PermissionWarmupJob struct {
	Cache   *authz.Cache
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPermissionWarmupJob wires dependencies for the warmup handler.
func NewPermissionWarmupJob(cache *authz.Cache, client *redis.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionWarmupJob {
	return &PermissionWarmupJob{
		Cache:   cache,
		Redis:   client,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes permission warmup tasks.
func (j *PermissionWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("permission warmup: handler not configured")
	}
	var payload PermissionWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxUsers <= 0 {
		payload.MaxUsers = 100
	}

	tracker := j.metrics().Track(TaskPermissionWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("max_users", payload.MaxUsers))
	logger.Info("starting permission warmup")

	users, err := j.fetchActiveUsers(ctx, payload.MaxUsers)
	if err != nil {
		resultErr = err
		logger.Error("load active session users", slog.Any("error", err))
		return resultErr
	}
	if len(users) == 0 {
		logger.Info("no active users discovered for warmup")
		return resultErr
	}

	start := j.now()
	warmed := 0
	for _, su := range users {
		j.warmUser(ctx, su)
		warmed++
	}

	logger.Info("completed permission warmup", slog.Int("users", warmed), slog.Duration("duration", time.Since(start)))
	return resultErr
}

// warmUser refreshes one user with a per-user timeout so a slow backend
// cannot stall the whole run. Per-user failures are swallowed by the cache
// and only counted there.
func (j *PermissionWarmupJob) warmUser(ctx context.Context, su shared.SessionUser) {
	if j.Cache == nil {
		return
	}
	userCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	j.Cache.RefreshPermissions(userCtx, &authz.User{ID: su.ID, Role: authz.Role(su.Role)})
}

func (j *PermissionWarmupJob) fetchActiveUsers(ctx context.Context, limit int) ([]shared.SessionUser, error) {
	if j.Redis == nil {
		return nil, errors.New("permission warmup: redis not configured")
	}
	return shared.ScanActiveUsers(ctx, j.Redis, limit)
}

func (j *PermissionWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPermissionWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPermissionWarmup))
}

func (j *PermissionWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PermissionWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
