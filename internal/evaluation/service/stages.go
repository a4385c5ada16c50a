package service

import (
	"context"

	"codalab/internal/evaluation/model"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunPredictionStage assembles the prediction bundle, records the predict job
// and asks a compute worker to run it. Submissions already in a final state
// are refused.
func (o *Orchestrator) RunPredictionStage(ctx context.Context, sub *model.Submission, jobID string) error {
	if err := refuseFinal(sub); err != nil {
		return err
	}
	logger.Info(ctx, "running prediction stage")
	bundleID, err := o.assembler.Prediction(ctx, sub)
	if err != nil {
		return err
	}

	state := sub.Execution.WithPredict(jobID)
	if err := o.saveStage(ctx, sub, state); err != nil {
		return err
	}

	if err := o.dispatcher.DispatchRun(ctx, jobID, o.runArgs(sub, bundleID, true)); err != nil {
		return appErr.Wrapf(err, appErr.DispatchFailed, "dispatch prediction failed")
	}
	_, _, err = o.transition(ctx, sub.ID, model.StatusSubmitted)
	return err
}

// RunScoringStage assembles the scoring bundle, records the score job and asks
// a compute worker to run it. Submissions already in a final state are refused.
func (o *Orchestrator) RunScoringStage(ctx context.Context, sub *model.Submission, jobID string) error {
	if err := refuseFinal(sub); err != nil {
		return err
	}
	logger.Info(ctx, "running scoring stage", zap.Bool("predicted", sub.Execution.HasPrediction()))

	state := sub.Execution
	bundleID, err := o.assembler.Scoring(ctx, sub, state)
	if err != nil {
		return err
	}

	state = state.WithScore(jobID)
	if err := o.saveStage(ctx, sub, state); err != nil {
		return err
	}

	if err := o.dispatcher.DispatchRun(ctx, jobID, o.runArgs(sub, bundleID, false)); err != nil {
		return appErr.Wrapf(err, appErr.DispatchFailed, "dispatch scoring failed")
	}
	if !state.HasPrediction() {
		if _, _, err := o.transition(ctx, sub.ID, model.StatusSubmitted); err != nil {
			return err
		}
	}
	return nil
}

func refuseFinal(sub *model.Submission) error {
	if !sub.Status.IsTerminal() {
		return nil
	}
	return appErr.New(appErr.SubmissionFinal).
		WithMessagef("submission %d is already %s", sub.ID, sub.Status).
		WithDetail("status", string(sub.Status))
}

func (o *Orchestrator) saveStage(ctx context.Context, sub *model.Submission, state model.ExecutionState) error {
	if err := o.submissions.SaveFiles(ctx, sub.ID, sub.Files); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save submission files failed")
	}
	if err := o.submissions.SaveExecutionState(ctx, sub.ID, state); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save execution state failed")
	}
	sub.Execution = state
	return nil
}

func (o *Orchestrator) runArgs(sub *model.Submission, bundleID string, predict bool) model.RunTaskArgs {
	return model.RunTaskArgs{
		BundleID:           bundleID,
		ContainerName:      o.containerName,
		ReplyTo:            o.replyTo,
		ExecutionTimeLimit: sub.Phase.ExecutionTimeLimit,
		Predict:            predict,
	}
}
