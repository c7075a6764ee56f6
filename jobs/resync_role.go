package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-directory/internal/jobs"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// RoleResyncer refreshes embedded role snapshots from the catalog.
type RoleResyncer interface {
	ResyncRoleSnapshots(ctx context.Context, roleCode string) (int, error)
}

// ResyncRoleJob refreshes principals after a role definition changed.
type ResyncRoleJob struct {
	Directory RoleResyncer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewResyncRoleJob initialises the re-sync handler.
func NewResyncRoleJob(directory RoleResyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ResyncRoleJob {
	return &ResyncRoleJob{Directory: directory, Logger: logger, Metrics: metrics}
}

// Handle runs one re-sync. Domain failures such as an unknown role code are
// not retried.
func (j *ResyncRoleJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Directory == nil {
		return errors.New("resync role: handler not configured")
	}
	var payload ResyncRolePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RoleCode == "" {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskDirectoryResyncRole)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if payload.ActorID != nil {
		ctx = shared.ContextWithActor(ctx, *payload.ActorID)
	}
	logger := j.logger().With(slog.String("role_code", payload.RoleCode))
	updated, err := j.Directory.ResyncRoleSnapshots(ctx, payload.RoleCode)
	if err != nil {
		if shared.IsDomain(err) {
			logger.Warn("role resync rejected", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		logger.Error("role resync failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskDirectoryResyncRole, "updated", updated)
	logger.Info("role resync finished", slog.Int("updated", updated))
	return nil
}

func (j *ResyncRoleJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
