package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionWarmup refreshes backend permissions for active users.
	TaskPermissionWarmup = "authz:warmup"
)

// PermissionWarmupPayload bounds a warmup run.
type PermissionWarmupPayload struct {
	// MaxUsers caps how many session users a single run refreshes.
	MaxUsers int `json:"max_users"`
}

// NewPermissionWarmupTask constructs an Asynq task.
func NewPermissionWarmupTask(payload PermissionWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionWarmup, data), nil
}
