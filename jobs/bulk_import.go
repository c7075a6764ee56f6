package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	jobmetrics "github.com/odyssey-erp/odyssey-directory/internal/jobs"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// BulkCreator is the slice of the directory the import job needs.
type BulkCreator interface {
	BulkCreate(ctx context.Context, items []directory.CreateInput) (directory.BulkCreateResult, error)
}

// BulkImportJob creates queued batches of principals.
type BulkImportJob struct {
	Directory BulkCreator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewBulkImportJob initialises the bulk import handler.
func NewBulkImportJob(directory BulkCreator, logger *slog.Logger, metrics *jobmetrics.Metrics) *BulkImportJob {
	return &BulkImportJob{Directory: directory, Logger: logger, Metrics: metrics}
}

// Handle executes one bulk import. Per-item failures are logged and never
// fail the task.
func (j *BulkImportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Directory == nil {
		return errors.New("bulk import: handler not configured")
	}
	var payload BulkImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskDirectoryBulkImport)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if payload.ActorID != nil {
		ctx = shared.ContextWithActor(ctx, *payload.ActorID)
	}
	logger := j.logger().With(slog.String("source", payload.Source), slog.Int("items", len(payload.Items)))
	logger.Info("starting bulk import")

	result, err := j.Directory.BulkCreate(ctx, payload.Items)
	if err != nil {
		logger.Error("bulk import interrupted", slog.Any("error", err))
		return err
	}
	for _, failure := range result.Errors {
		logger.Warn("bulk import item rejected",
			slog.Int("index", failure.Index),
			slog.String("email", failure.Item.Email),
			slog.String("reason", failure.Error))
	}
	j.Metrics.AddItems(TaskDirectoryBulkImport, "created", len(result.Results))
	j.Metrics.AddItems(TaskDirectoryBulkImport, "rejected", len(result.Errors))
	logger.Info("bulk import finished", slog.Int("created", len(result.Results)), slog.Int("rejected", len(result.Errors)))
	return nil
}

func (j *BulkImportJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
