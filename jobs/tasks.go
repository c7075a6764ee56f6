package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDirectoryBulkImport creates principals from a queued batch.
	TaskDirectoryBulkImport = "directory:bulk_import"
	// TaskDirectoryResyncRole rewrites embedded snapshots of one role.
	TaskDirectoryResyncRole = "directory:resync_role"
)

// BulkImportPayload carries a batch of principals to create. ActorID, when
// set, is the principal the import runs as.
type BulkImportPayload struct {
	ActorID *uuid.UUID              `json:"actorId,omitempty"`
	Source  string                  `json:"source"`
	Items   []directory.CreateInput `json:"items"`
}

// ResyncRolePayload names the role whose snapshots are refreshed.
type ResyncRolePayload struct {
	ActorID  *uuid.UUID `json:"actorId,omitempty"`
	RoleCode string     `json:"roleCode"`
}

// NewBulkImportTask constructs the bulk import task. Retries are disabled
// because items that were created on the first attempt would be reported as
// duplicates on the next.
func NewBulkImportTask(payload BulkImportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDirectoryBulkImport, data, asynq.MaxRetry(0), asynq.Timeout(30*time.Minute)), nil
}

// NewResyncRoleTask constructs the role re-sync task.
func NewResyncRoleTask(payload ResyncRolePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDirectoryResyncRole, data, asynq.MaxRetry(5)), nil
}

// ResyncSchedule builds one cron registration per role code. Blank codes are
// skipped.
func ResyncSchedule(spec string, roleCodes []string) ([]CronRegistration, error) {
	var out []CronRegistration
	for _, code := range roleCodes {
		code = shared.NormalizeCode(code)
		if code == "" {
			continue
		}
		task, err := NewResyncRoleTask(ResyncRolePayload{RoleCode: code})
		if err != nil {
			return nil, err
		}
		out = append(out, CronRegistration{Spec: spec, Task: task, Options: []asynq.Option{asynq.Queue(QueueDefault)}})
	}
	return out, nil
}
