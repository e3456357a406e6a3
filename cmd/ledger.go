package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/store"
)

// statusFunc moves the current run to a new status.
type statusFunc func(model.RunStatus)

// trackRun records fn as one run in the ledger. Ledger writes outlive ctx so
// that an interrupted run is still closed out.
func trackRun(ctx context.Context, st store.Store, params model.RunParams, fn func(ctx context.Context, setStatus statusFunc) (*model.RunResult, error)) (*model.RunResult, error) {
	ledgerCtx := context.WithoutCancel(ctx)

	run, err := st.CreateRun(ledgerCtx, params)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("command", params.Command))
	log.Info("run started")

	setStatus := func(status model.RunStatus) {
		if err := st.UpdateRunStatus(ledgerCtx, run.ID, status); err != nil {
			log.Warn("failed to update run status", zap.String("status", string(status)), zap.Error(err))
		}
	}

	result, runErr := fn(ctx, setStatus)
	if result == nil {
		result = &model.RunResult{}
	}

	status := model.RunStatusComplete
	switch {
	case runErr != nil:
		status = model.RunStatusFailed
		result.Error = runErr.Error()
	case result.Interrupted:
		status = model.RunStatusInterrupted
	}
	if err := st.FinishRun(ledgerCtx, run.ID, status, result); err != nil {
		log.Warn("failed to finish run", zap.Error(err))
	}

	log.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("written", result.Written),
		zap.Int("abandoned", result.Abandoned),
	)
	return result, runErr
}
