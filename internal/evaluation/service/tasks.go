package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunJob executes the task registered for the job's task type and stores
// the outcome on the job.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	ctx = logger.WithJob(ctx, jobID)
	job, err := o.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	task, ok := o.tasks[job.TaskType]
	if !ok {
		err := appErr.Newf(appErr.InvalidTaskType, "no task registered for %q", job.TaskType)
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return err
	}

	result, err := task(ctx, job)
	if appErr.Is(err, appErr.LockFailed) {
		// Nothing ran yet; leave the job running so the message is redelivered.
		return err
	}
	if err != nil {
		logger.Error(ctx, "job task failed", zap.String("task_type", job.TaskType), zap.Error(err))
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return nil
	}
	if result.Status != "" {
		o.finishJob(ctx, job, result.Status, result.Info)
	}
	return nil
}

// evaluateSubmissionTask dispatches the first stage of an evaluation. The job
// stays running until a worker reports back.
func (o *Orchestrator) evaluateSubmissionTask(ctx context.Context, job *model.Job) (model.TaskResult, error) {
	var args model.EvaluateArgs
	if err := json.Unmarshal(job.TaskArgs, &args); err != nil {
		return model.TaskResult{}, appErr.Wrapf(err, appErr.InvalidParams, "decode evaluate args failed")
	}
	ctx = logger.WithSubmission(ctx, args.SubmissionID)

	stage := "scoring"
	if args.Predict {
		stage = "prediction"
	}
	logger.Info(ctx, "dispatching evaluation stage", zap.String("stage", stage))

	err := o.dispatchStage(ctx, args, job.ID)
	o.metrics.ObserveDispatch(stage, err)
	if err == nil {
		return model.TaskResult{}, nil
	}
	if appErr.Is(err, appErr.LockFailed) || appErr.Is(err, appErr.SubmissionFinal) {
		return model.TaskResult{}, err
	}
	logger.Error(ctx, "evaluation dispatch failed", zap.String("stage", stage), zap.Error(err))
	return model.TaskResult{
		Status: model.JobFailed,
		Info:   map[string]interface{}{"error": err.Error()},
	}, nil
}

// dispatchStage runs one stage under the submission lock. A final submission
// is refused untouched; any other stage error fails the submission.
func (o *Orchestrator) dispatchStage(ctx context.Context, args model.EvaluateArgs, jobID string) error {
	unlock, err := o.locker.Lock(ctx, args.SubmissionID)
	if err != nil {
		return err
	}
	defer unlock()

	sub, err := o.submissions.Get(ctx, args.SubmissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", args.SubmissionID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	if err := refuseFinal(sub); err != nil {
		logger.Warn(ctx, "refusing to evaluate final submission", zap.String("status", string(sub.Status)))
		return err
	}

	if args.Predict {
		err = o.RunPredictionStage(ctx, sub, jobID)
	} else {
		err = o.RunScoringStage(ctx, sub, jobID)
	}
	if err != nil {
		if ferr := o.failSubmission(ctx, sub.ID, errorTrace(err)); ferr != nil {
			logger.Error(ctx, "failed to record dispatch failure", zap.Error(ferr))
		}
	}
	return err
}

func (o *Orchestrator) echoTask(ctx context.Context, job *model.Job) (model.TaskResult, error) {
	var args model.EchoArgs
	if err := json.Unmarshal(job.TaskArgs, &args); err != nil {
		return model.TaskResult{}, appErr.Wrapf(err, appErr.InvalidParams, "decode echo args failed")
	}
	logger.Info(ctx, "echoing", zap.String("message", args.Text))
	return model.TaskResult{Status: model.JobFinished}, nil
}

// sendMassEmailTask mails each recipient separately so one bad address does
// not block the others.
func (o *Orchestrator) sendMassEmailTask(ctx context.Context, job *model.Job) (model.TaskResult, error) {
	var args model.MassEmailArgs
	if err := json.Unmarshal(job.TaskArgs, &args); err != nil {
		return model.TaskResult{}, appErr.Wrapf(err, appErr.InvalidParams, "decode mass email args failed")
	}
	from := args.FromEmail
	if from == "" {
		from = o.fromEmail
	}

	sent, failed := 0, []string{}
	for _, to := range args.Recipients {
		err := o.mailer.Send(ctx, notify.Message{
			From:    from,
			To:      []string{to},
			Subject: args.Subject,
			Body:    args.Body,
			HTML:    args.HTML,
		})
		if err != nil {
			o.metrics.IncNotificationError()
			logger.Warn(ctx, "mass email delivery failed", zap.String("to", to), zap.Error(err))
			failed = append(failed, to)
			continue
		}
		sent++
	}

	status := model.JobFinished
	if len(failed) > 0 {
		status = model.JobFailed
	}
	return model.TaskResult{
		Status: status,
		Info:   map[string]interface{}{"sent": sent, "failed": failed},
	}, nil
}

// errorTrace joins the coded messages along the chain of err with its root cause.
func errorTrace(err error) string {
	var parts []string
	add := func(msg string) {
		if msg != "" && (len(parts) == 0 || parts[len(parts)-1] != msg) {
			parts = append(parts, msg)
		}
	}
	last := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if coded, ok := e.(*appErr.Error); ok {
			add(coded.Message)
		}
	}
	if last != nil {
		add(last.Error())
	}
	return strings.Join(parts, ": ")
}
