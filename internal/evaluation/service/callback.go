package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

// SubmissionUpdateError reports a failure while applying a worker update to a
// submission. It carries enough context to force the submission to failed.
type SubmissionUpdateError struct {
	SubmissionID int64
	JobID        string
	Status       string
	Err          error
}

func (e *SubmissionUpdateError) Error() string {
	return fmt.Sprintf("update submission %d (job %s, status %s): %v", e.SubmissionID, e.JobID, e.Status, e.Err)
}

func (e *SubmissionUpdateError) Unwrap() error { return e.Err }

// HandleCallback applies a worker progress report to the submission tracked
// by jobID. It is the only way back into the pipeline once a stage was
// dispatched, and it holds the submission lock for its whole duration.
// Reports from a job the execution state no longer tracks leave both the
// submission and the job untouched.
func (o *Orchestrator) HandleCallback(ctx context.Context, jobID string, update model.WorkerUpdate) (model.JobStatus, error) {
	ctx = logger.WithJob(ctx, jobID)
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.TaskType != model.TaskEvaluateSubmission {
		err := appErr.Newf(appErr.InvalidTaskType, "job has incorrect task type %q", job.TaskType)
		logger.Error(ctx, "unable to handle worker update", zap.Error(err))
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return model.JobFailed, err
	}
	var args model.EvaluateArgs
	if err := json.Unmarshal(job.TaskArgs, &args); err != nil || args.SubmissionID <= 0 {
		err := appErr.New(appErr.InvalidParams).WithMessage("job carries no submission id")
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return model.JobFailed, err
	}

	ctx = logger.WithSubmission(ctx, args.SubmissionID)
	unlock, err := o.locker.Lock(ctx, args.SubmissionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	logger.Info(ctx, "applying worker update", zap.String("status", update.Status))
	o.metrics.ObserveCallback(update.Status)

	status, err := o.updateSubmission(ctx, args.SubmissionID, jobID, update)
	if err != nil {
		updateErr := &SubmissionUpdateError{SubmissionID: args.SubmissionID, JobID: jobID, Status: update.Status, Err: err}
		logger.Error(ctx, "failed to update submission", zap.Error(updateErr))
		o.recoverUpdateError(ctx, updateErr)
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return model.JobFailed, updateErr
	}
	if status == "" {
		return job.Status, nil
	}
	o.finishJob(ctx, job, status, nil)
	return status, nil
}

// recoverUpdateError forces the submission named by err to failed.
func (o *Orchestrator) recoverUpdateError(ctx context.Context, err error) {
	var updateErr *SubmissionUpdateError
	if !errors.As(err, &updateErr) {
		return
	}
	if _, _, ferr := o.transition(ctx, updateErr.SubmissionID, model.StatusFailed); ferr != nil {
		logger.Error(ctx, "unable to set the submission status to failed", zap.Error(ferr))
	}
}

func (o *Orchestrator) updateSubmission(ctx context.Context, submissionID int64, jobID string, update model.WorkerUpdate) (model.JobStatus, error) {
	sub, err := o.submissions.Get(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return "", appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	state := sub.Execution
	if current := state.Current(); jobID != current {
		// Redelivered or superseded report; the submission has moved on.
		logger.Warn(ctx, "ignoring update from superseded job",
			zap.String("status", update.Status),
			zap.String("current_job", current))
		return "", nil
	}

	if metadata := update.Metadata(); len(metadata) > 0 {
		isPredict := !state.HasScore()
		if err := o.submissions.SaveMetadata(ctx, sub.ID, isPredict, metadata); err != nil {
			return "", appErr.Wrapf(err, appErr.DatabaseError, "save worker metadata failed")
		}
		logger.Debug(ctx, "saved worker metadata", zap.Bool("is_predict", isPredict))
	}

	switch update.Status {
	case model.WorkerRunning:
		if _, _, err := o.transition(ctx, sub.ID, model.StatusRunning); err != nil {
			return "", err
		}
		return model.JobRunning, nil

	case model.WorkerFinished:
		if state.HasScore() {
			return o.reconciler.Reconcile(ctx, sub)
		}
		return o.chainScoring(ctx, sub)
	}

	if update.Status != model.WorkerFailed {
		logger.Error(ctx, "invalid worker status",
			zap.String("status", update.Status),
			zap.Error(appErr.New(appErr.InvalidStatusTransition)))
	}
	if err := o.failSubmission(ctx, sub.ID, update.Traceback()); err != nil {
		return "", err
	}
	return model.JobFailed, nil
}

// failSubmission stores details, when given, and moves the submission to failed.
func (o *Orchestrator) failSubmission(ctx context.Context, submissionID int64, details string) error {
	if details != "" {
		if err := o.submissions.SaveExceptionDetails(ctx, submissionID, details); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "save exception details failed")
		}
	}
	_, _, err := o.transition(ctx, submissionID, model.StatusFailed)
	return err
}

// chainScoring records the prediction output and enters the scoring stage
// under a fresh job. The prediction job is finished once scoring is dispatched.
func (o *Orchestrator) chainScoring(ctx context.Context, sub *model.Submission) (model.JobStatus, error) {
	paths := sub.Paths()
	sub.Files.PredictionOutput = paths.PredictionOutput
	sub.Files.PredictionStdout = paths.PredictionStdout
	sub.Files.PredictionStderr = paths.PredictionStderr
	if err := o.submissions.SaveFiles(ctx, sub.ID, sub.Files); err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "save prediction files failed")
	}

	scoreJob, err := o.createJob(ctx, model.TaskEvaluateSubmission, model.EvaluateArgs{SubmissionID: sub.ID})
	if err == nil {
		err = o.RunScoringStage(logger.WithJob(ctx, scoreJob.ID), sub, scoreJob.ID)
	}
	o.metrics.ObserveDispatch("scoring", err)
	if err == nil {
		logger.Info(ctx, "scoring stage entered", zap.String("score_job", scoreJob.ID))
		return model.JobFinished, nil
	}

	chainErr := appErr.Wrapf(err, appErr.ChainFailed, "failed to enter scoring stage")
	logger.Error(ctx, "failed to enter scoring stage", zap.String("policy", string(o.chainPolicy)), zap.Error(chainErr))
	if scoreJob != nil {
		o.finishJob(ctx, scoreJob, model.JobFailed, map[string]interface{}{"error": chainErr.Error()})
	}
	if o.chainPolicy == ChainFailureFail {
		if ferr := o.failSubmission(ctx, sub.ID, errorTrace(chainErr)); ferr != nil {
			return "", ferr
		}
	}
	return model.JobFailed, nil
}
