package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

type createOutcome struct {
	principal Principal
	err       error
}

// BulkCreate creates every item independently with bounded concurrency. A
// failing item is reported in Errors and never stops the others. Results and
// Errors keep input order. An item sharing an email or report code with an
// earlier item of the batch waits for it, and fails as a duplicate only when
// that earlier item was created.
func (s *Service) BulkCreate(ctx context.Context, items []CreateInput) (BulkCreateResult, error) {
	start := time.Now()
	outcomes := make([]createOutcome, len(items))
	deps := batchDependencies(items)
	done := make([]chan struct{}, len(items))
	for i := range done {
		done[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BulkConcurrency)
	// Items start in index order and only wait on lower indexes, so a full
	// pool never blocks on an item that has not started.
	for i := range items {
		g.Go(func() error {
			defer close(done[i])
			for _, dep := range deps[i] {
				select {
				case <-done[dep.index]:
				case <-gctx.Done():
					outcomes[i].err = gctx.Err()
					return nil
				}
			}
			if err := duplicateOf(deps[i], outcomes); err != nil {
				outcomes[i].err = err
				return nil
			}
			if err := gctx.Err(); err != nil {
				outcomes[i].err = err
				return nil
			}
			p, err := s.Create(gctx, items[i])
			outcomes[i] = createOutcome{principal: p, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BulkCreateResult{Results: []Principal{}, Errors: []BulkCreateFailure{}}
	for i, out := range outcomes {
		if out.err != nil {
			result.Errors = append(result.Errors, BulkCreateFailure{
				Index: i,
				Item:  items[i].Redacted(),
				Error: reasonFor(out.err),
				Err:   out.err,
			})
			continue
		}
		result.Results = append(result.Results, out.principal)
	}
	s.metrics.bulk("create", len(result.Results), len(result.Errors))
	s.logger.InfoContext(ctx, "bulk create finished",
		slog.Int("created", len(result.Results)),
		slog.Int("failed", len(result.Errors)),
		slog.Duration("elapsed", time.Since(start)))
	return result, ctx.Err()
}

// BulkDelete deletes ids inside one transaction, each behind its own
// savepoint, so a failing id is recorded without undoing the others. Ids are
// processed in input order; a manager listed before its last subordinate
// still has a dependent when its turn comes.
func (s *Service) BulkDelete(ctx context.Context, rawIDs []string) (BulkDeleteResult, error) {
	start := time.Now()
	result := BulkDeleteResult{Deleted: []uuid.UUID{}, Failed: []BulkDeleteFailure{}}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var actor *guard
		if actorID, ok := shared.ActorFromContext(ctx); ok {
			g, err := s.loadGuard(ctx, tx, actorID)
			if err != nil {
				return err
			}
			actor = &g
		}
		for _, raw := range rawIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := ParseID(raw)
			if err != nil {
				result.Failed = append(result.Failed, BulkDeleteFailure{ID: raw, Reason: reasonFor(err), Err: err})
				continue
			}
			err = tx.Savepoint(ctx, func(ctx context.Context, tx TxRepository) error {
				return s.deleteInTx(ctx, tx, id, actor)
			})
			if err != nil {
				if !shared.IsDomain(err) {
					s.logger.WarnContext(ctx, "bulk delete item failed", slog.String("principal_id", raw), slog.Any("error", err))
				}
				result.Failed = append(result.Failed, BulkDeleteFailure{ID: raw, Reason: reasonFor(err), Err: err})
				continue
			}
			result.Deleted = append(result.Deleted, id)
		}
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "bulk delete rolled back", slog.Int("ids", len(rawIDs)), slog.Any("error", err))
		s.metrics.observe("bulk_delete", start, err)
		return BulkDeleteResult{}, err
	}
	s.cache.Invalidate(ctx, result.Deleted...)
	s.metrics.observe("bulk_delete", start, nil)
	s.metrics.bulk("delete", len(result.Deleted), len(result.Failed))
	s.logger.InfoContext(ctx, "bulk delete finished",
		slog.Int("deleted", len(result.Deleted)),
		slog.Int("failed", len(result.Failed)))
	return result, nil
}

type batchDependency struct {
	index int
	field string
}

// batchDependencies lists, per item, the earlier items of the batch that use
// the same email or report code.
func batchDependencies(items []CreateInput) [][]batchDependency {
	out := make([][]batchDependency, len(items))
	emails := make(map[string][]int, len(items))
	codes := make(map[string][]int, len(items))
	for i, item := range items {
		if email := shared.NormalizeEmail(item.Email); email != "" {
			for _, j := range emails[email] {
				out[i] = append(out[i], batchDependency{index: j, field: "email"})
			}
			emails[email] = append(emails[email], i)
		}
		if code := shared.NormalizeCode(item.ReportCode); code != "" {
			for _, j := range codes[code] {
				out[i] = append(out[i], batchDependency{index: j, field: "reportCode"})
			}
			codes[code] = append(codes[code], i)
		}
	}
	return out
}

// duplicateOf reports the first dependency that was created. Every dependency
// must have finished.
func duplicateOf(deps []batchDependency, outcomes []createOutcome) error {
	for _, dep := range deps {
		if outcomes[dep.index].err == nil {
			return shared.Validationf(dep.field, "duplicates item %d of this batch", dep.index)
		}
	}
	return nil
}

// reasonFor returns a caller-safe description of err.
func reasonFor(err error) string {
	if shared.IsDomain(err) {
		return err.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled before completion"
	}
	if shared.IsRetryable(err) {
		return "backing store unavailable"
	}
	return "internal error"
}
