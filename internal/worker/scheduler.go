package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"reportsync/internal/logging"
	"reportsync/internal/metrics"
	"reportsync/internal/model"
	"reportsync/internal/queue"
)

// Scheduler puts files on the durable path. Work scheduled for a report is
// appended to that report's chain and never replaces what is already
// pending there.
type Scheduler struct {
	queue  queue.TaskQueue
	logger logging.Logger
}

func NewScheduler(q queue.TaskQueue, logger logging.Logger) *Scheduler {
	return &Scheduler{queue: q, logger: logger}
}

// Handle identifies scheduled work.
type Handle struct {
	Chain   string
	TaskIDs []string
}

func (s *Scheduler) Enqueue(ctx context.Context, scope model.ReportScope, specs []model.TaskSpec) (Handle, error) {
	h := Handle{Chain: scope.Chain()}
	if len(specs) == 0 {
		return h, nil
	}

	tasks := make([]model.RetryTask, len(specs))
	for i, spec := range specs {
		tasks[i] = model.RetryTask{
			ID:             uuid.NewString(),
			Chain:          h.Chain,
			OrganizationID: scope.OrganizationID,
			ProjectID:      scope.ProjectID,
			ReportID:       scope.ReportID,
			StoragePath:    spec.StoragePath,
			LocalURI:       spec.LocalURI,
			FieldName:      spec.FieldName,
			MimeType:       spec.MimeType,
		}
	}

	if err := s.queue.Enqueue(ctx, tasks); err != nil {
		return Handle{}, fmt.Errorf("enqueue %d task(s) on %s: %w", len(tasks), h.Chain, err)
	}

	h.TaskIDs = make([]string, len(tasks))
	for i, t := range tasks {
		h.TaskIDs[i] = t.ID
	}
	metrics.TasksEnqueued.Add(float64(len(tasks)))
	s.logger.Info(ctx, "tasks scheduled", "chain", h.Chain, "count", len(tasks))
	return h, nil
}
