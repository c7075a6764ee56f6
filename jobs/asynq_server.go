package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-directory/internal/directory"
	"github.com/odyssey-erp/odyssey-directory/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-directory/internal/rbac"
	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	logger := cfg.Logger
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// IdempotencyHeader lets callers retry a bulk import submission safely.
const IdempotencyHeader = "Idempotency-Key"

const importRetention = 24 * time.Hour

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue.
type Client struct {
	client enqueuer
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueBulkImport enqueues a bulk import task. A non-empty idempotency key
// makes a repeated submission fail with asynq.ErrTaskIDConflict while the
// first task is retained.
func (c *Client) EnqueueBulkImport(ctx context.Context, payload BulkImportPayload, idempotencyKey string) (*asynq.TaskInfo, error) {
	task, err := NewBulkImportTask(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault)}
	if idempotencyKey != "" {
		opts = append(opts, asynq.TaskID(TaskDirectoryBulkImport+":"+idempotencyKey), asynq.Retention(importRetention))
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

// EnqueueResyncRole enqueues a role re-sync task.
func (c *Client) EnqueueResyncRole(ctx context.Context, payload ResyncRolePayload) (*asynq.TaskInfo, error) {
	task, err := NewResyncRoleTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for submitting and observing jobs.
type Handler struct {
	inspector *asynq.Inspector
	client    *Client
	logger    *slog.Logger
	rbac      rbac.Middleware
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, client *Client, logger *slog.Logger, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, client: client, logger: logger, rbac: rbac}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUsersBulk, shared.PermUsersCreate))
		r.Post("/bulk-import", h.enqueueBulkImport)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesResync))
		r.Post("/resync-role", h.enqueueResyncRole)
	})
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.RespondError(w, shared.Unavailable(err))
		return
	}
	health := queueHealth{Queue: QueueDefault}
	if info != nil {
		health = queueHealth{Queue: info.Queue, Pending: info.Pending}
	}
	httpx.JSON(w, http.StatusOK, health)
}

type enqueued struct {
	TaskID string `json:"taskId"`
	Queue  string `json:"queue"`
}

type bulkImportRequest struct {
	Source string                  `json:"source"`
	Items  []directory.CreateInput `json:"items"`
}

func (h *Handler) enqueueBulkImport(w http.ResponseWriter, r *http.Request) {
	var req bulkImportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.Items) == 0 {
		httpx.RespondError(w, shared.Validation("items", "at least one item is required"))
		return
	}
	payload := BulkImportPayload{Source: req.Source, Items: req.Items}
	if actorID, ok := shared.ActorFromContext(r.Context()); ok {
		payload.ActorID = &actorID
	}
	info, err := h.client.EnqueueBulkImport(r.Context(), payload, strings.TrimSpace(r.Header.Get(IdempotencyHeader)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		httpx.RespondError(w, shared.Conflict("bulk import with this idempotency key was already submitted", nil))
		return
	}
	h.respondEnqueued(w, r, "enqueue bulk import", info, err)
}

type resyncRoleRequest struct {
	RoleCode string `json:"roleCode"`
}

func (h *Handler) enqueueResyncRole(w http.ResponseWriter, r *http.Request) {
	var req resyncRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	code := shared.NormalizeCode(req.RoleCode)
	if code == "" {
		httpx.RespondError(w, shared.Validation("roleCode", "is required"))
		return
	}
	payload := ResyncRolePayload{RoleCode: code}
	if actorID, ok := shared.ActorFromContext(r.Context()); ok {
		payload.ActorID = &actorID
	}
	info, err := h.client.EnqueueResyncRole(r.Context(), payload)
	h.respondEnqueued(w, r, "enqueue role resync", info, err)
}

func (h *Handler) respondEnqueued(w http.ResponseWriter, r *http.Request, op string, info *asynq.TaskInfo, err error) {
	if err != nil {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
		httpx.RespondError(w, shared.Unavailable(err))
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueued{TaskID: info.ID, Queue: info.Queue})
}
