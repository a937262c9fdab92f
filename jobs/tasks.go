package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-cogs/meridian/internal/cogs"
	"github.com/meridian-cogs/meridian/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRunExecute is the task type for asynchronous run execution.
	TaskTypeRunExecute = "cogs:run:execute"
	// TaskTypeRunReap is the task type for the abandoned-run janitor.
	TaskTypeRunReap = "cogs:run:reap"
)

// RunExecutePayload describes an asynchronous run request.
type RunExecutePayload struct {
	TenantID    shared.TenantID    `json:"tenant_id"`
	RunID       string             `json:"run_id"`
	Mode        string             `json:"mode"`
	InputFileID string             `json:"input_file_id,omitempty"`
	CreatedBy   string             `json:"created_by,omitempty"`
	Sales       []cogs.Sale        `json:"sales"`
	Lots        []cogs.PurchaseLot `json:"lots,omitempty"`
}

// NewRunExecuteTask constructs an Asynq task.
func NewRunExecuteTask(payload RunExecutePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	// One attempt only: the engine's own run record carries failure state,
	// and a retried task would collide with the failed run id.
	return asynq.NewTask(TaskTypeRunExecute, data, asynq.MaxRetry(0)), nil
}

// NewRunExecuteHandler builds the worker handler for run execution tasks.
func NewRunExecuteHandler(logger *slog.Logger, service *cogs.Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload RunExecutePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		run, err := service.ExecuteRun(ctx, cogs.ExecuteRunInput{
			TenantID:    payload.TenantID,
			RunID:       payload.RunID,
			Mode:        cogs.Mode(payload.Mode),
			Sales:       payload.Sales,
			LotsUpsert:  payload.Lots,
			InputFileID: payload.InputFileID,
			CreatedBy:   payload.CreatedBy,
		})
		if err != nil {
			logger.Error("async run failed",
				slog.String("tenant", payload.TenantID.String()),
				slog.String("run_id", payload.RunID),
				slog.Any("error", err))
			return err
		}
		logger.Info("async run completed",
			slog.String("tenant", payload.TenantID.String()),
			slog.String("run_id", run.RunID),
			slog.String("status", string(run.Status)))
		return nil
	}
}

// NewRunReapTask constructs the janitor task for scheduler registration.
func NewRunReapTask() *asynq.Task {
	return asynq.NewTask(TaskTypeRunReap, nil)
}
