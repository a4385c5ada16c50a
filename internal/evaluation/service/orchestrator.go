package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/metrics"
	"codalab/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChainFailurePolicy decides what happens when a finished prediction cannot
// enter the scoring stage.
type ChainFailurePolicy string

const (
	// ChainFailureLog leaves the submission as is; the watchdog converges it.
	ChainFailureLog ChainFailurePolicy = "log"
	// ChainFailureFail marks the submission failed right away.
	ChainFailureFail ChainFailurePolicy = "fail"
)

// BundleAssembler builds the bundles of both evaluation stages.
type BundleAssembler interface {
	Prediction(ctx context.Context, sub *model.Submission) (string, error)
	Scoring(ctx context.Context, sub *model.Submission, state model.ExecutionState) (string, error)
}

// TaskFunc executes one job task. An empty result status leaves the job as is.
type TaskFunc func(ctx context.Context, job *model.Job) (model.TaskResult, error)

// Orchestrator drives submissions through the evaluation state machine.
type Orchestrator struct {
	jobs        repository.JobRepository
	submissions repository.SubmissionRepository
	locker      repository.SubmissionLocker
	assembler   BundleAssembler
	dispatcher  Dispatcher
	reconciler  *Reconciler
	mailer      notify.Sender
	metrics     *metrics.Manager

	containerName string
	replyTo       string
	fromEmail     string
	chainPolicy   ChainFailurePolicy

	tasks map[string]TaskFunc
}

// Config holds orchestrator dependencies and settings.
type Config struct {
	Jobs        repository.JobRepository
	Submissions repository.SubmissionRepository
	Scores      repository.ScoreRepository
	Artifacts   repository.ArtifactRepository
	Leaderboard repository.LeaderboardRepository
	Locker      repository.SubmissionLocker
	Assembler   BundleAssembler
	Dispatcher  Dispatcher
	Mailer      notify.Sender
	Metrics     *metrics.Manager

	ContainerName      string
	ReplyTo            string
	SiteURL            string
	FromEmail          string
	ChainFailurePolicy ChainFailurePolicy
	ScoreParsePolicy   ScoreParsePolicy
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("submission locker is required")
	}
	if cfg.Assembler == nil {
		return nil, fmt.Errorf("bundle assembler is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.ReplyTo == "" {
		return nil, fmt.Errorf("reply-to topic is required")
	}
	if cfg.Mailer == nil {
		cfg.Mailer = notify.LogSender{}
	}
	switch cfg.ChainFailurePolicy {
	case "":
		cfg.ChainFailurePolicy = ChainFailureLog
	case ChainFailureLog, ChainFailureFail:
	default:
		return nil, fmt.Errorf("unknown chain failure policy %q", cfg.ChainFailurePolicy)
	}

	reconciler, err := NewReconciler(ReconcilerConfig{
		Submissions: cfg.Submissions,
		Scores:      cfg.Scores,
		Artifacts:   cfg.Artifacts,
		Leaderboard: cfg.Leaderboard,
		Mailer:      cfg.Mailer,
		Metrics:     cfg.Metrics,
		SiteURL:     cfg.SiteURL,
		FromEmail:   cfg.FromEmail,
		ParsePolicy: cfg.ScoreParsePolicy,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		jobs:          cfg.Jobs,
		submissions:   cfg.Submissions,
		locker:        cfg.Locker,
		assembler:     cfg.Assembler,
		dispatcher:    cfg.Dispatcher,
		reconciler:    reconciler,
		mailer:        cfg.Mailer,
		metrics:       cfg.Metrics,
		containerName: cfg.ContainerName,
		replyTo:       cfg.ReplyTo,
		fromEmail:     cfg.FromEmail,
		chainPolicy:   cfg.ChainFailurePolicy,
	}
	o.tasks = map[string]TaskFunc{
		model.TaskEvaluateSubmission: o.evaluateSubmissionTask,
		model.TaskEcho:               o.echoTask,
		model.TaskSendMassEmail:      o.sendMassEmailTask,
	}
	return o, nil
}

// Evaluate starts the evaluation of a submission and returns the tracking job.
// Only the job is created and dispatched; the work happens asynchronously.
func (o *Orchestrator) Evaluate(ctx context.Context, submissionID int64, skipPrediction bool) (*model.Job, error) {
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "must be positive")
	}
	return o.createAndDispatch(ctx, model.TaskEvaluateSubmission, model.EvaluateArgs{
		SubmissionID: submissionID,
		Predict:      !skipPrediction,
	})
}

// Echo dispatches a job that logs text.
func (o *Orchestrator) Echo(ctx context.Context, text string) (*model.Job, error) {
	return o.createAndDispatch(ctx, model.TaskEcho, model.EchoArgs{Text: text})
}

// SendMassEmail dispatches a job mailing every recipient separately.
func (o *Orchestrator) SendMassEmail(ctx context.Context, args model.MassEmailArgs) (*model.Job, error) {
	if len(args.Recipients) == 0 {
		return nil, appErr.ValidationError("to_emails", "required")
	}
	if args.Subject == "" {
		return nil, appErr.ValidationError("subject", "required")
	}
	return o.createAndDispatch(ctx, model.TaskSendMassEmail, args)
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, appErr.New(appErr.JobNotFound).WithDetail("job_id", jobID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load job failed")
	}
	return job, nil
}

// Cancel moves a non-terminal submission to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, submissionID int64) (model.SubmissionStatus, error) {
	if submissionID <= 0 {
		return "", appErr.ValidationError("submission_id", "must be positive")
	}
	ctx = logger.WithSubmission(ctx, submissionID)
	unlock, err := o.locker.Lock(ctx, submissionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	from, applied, err := o.transition(ctx, submissionID, model.StatusCancelled)
	if err != nil {
		return "", err
	}
	if !applied {
		return from, appErr.New(appErr.SubmissionFinal).
			WithMessagef("submission %d is already %s", submissionID, from).
			WithDetail("status", string(from))
	}
	return model.StatusCancelled, nil
}

func (o *Orchestrator) createAndDispatch(ctx context.Context, taskType string, args interface{}) (*model.Job, error) {
	job, err := o.createJob(ctx, taskType, args)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithJob(ctx, job.ID)
	if err := o.dispatcher.DispatchJob(ctx, job); err != nil {
		logger.Error(ctx, "dispatch job failed", zap.String("task_type", taskType), zap.Error(err))
		o.finishJob(ctx, job, model.JobFailed, map[string]interface{}{"error": err.Error()})
		return nil, appErr.Wrapf(err, appErr.DispatchFailed, "dispatch %s job failed", taskType)
	}
	logger.Info(ctx, "job dispatched", zap.String("task_type", taskType))
	return job, nil
}

// createJob stores a running job record without publishing it.
func (o *Orchestrator) createJob(ctx context.Context, taskType string, args interface{}) (*model.Job, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "encode task args failed")
	}
	job := &model.Job{
		ID:       uuid.NewString(),
		TaskType: taskType,
		TaskArgs: raw,
		Status:   model.JobRunning,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, appErr.Wrapf(err, appErr.JobCreateFailed, "create %s job failed", taskType)
	}
	return job, nil
}

// transition applies a guarded status change and records the outcome.
func (o *Orchestrator) transition(ctx context.Context, submissionID int64, to model.SubmissionStatus) (model.SubmissionStatus, bool, error) {
	return transitionStatus(ctx, o.submissions, o.metrics, submissionID, to)
}

func transitionStatus(ctx context.Context, repo repository.SubmissionRepository, m *metrics.Manager, submissionID int64, to model.SubmissionStatus) (model.SubmissionStatus, bool, error) {
	from, applied, err := repo.TransitionStatus(ctx, submissionID, to)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return "", false, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return "", false, appErr.Wrapf(err, appErr.DatabaseError, "update submission status failed")
	}
	m.ObserveTransition(string(to), applied)
	if applied {
		logger.Info(ctx, "changed submission status", zap.String("from", string(from)), zap.String("to", string(to)))
	} else {
		logger.Info(ctx, "skipping submission status update: invalid transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return from, applied, nil
}

// finishJob stores the job outcome. Failures are logged only.
func (o *Orchestrator) finishJob(ctx context.Context, job *model.Job, status model.JobStatus, info map[string]interface{}) {
	var raw json.RawMessage
	if len(info) > 0 {
		data, err := json.Marshal(info)
		if err != nil {
			logger.Warn(ctx, "encode job info failed", zap.Error(err))
		} else {
			raw = data
		}
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, status, raw); err != nil {
		logger.Error(ctx, "update job status failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	job.Status = status
	if status != model.JobRunning && !job.CreatedAt.IsZero() {
		o.metrics.ObserveJob(job.TaskType, string(status), time.Since(job.CreatedAt).Seconds())
	}
}
