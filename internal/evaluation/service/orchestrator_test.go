package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"codalab/internal/evaluation/model"
	appErr "codalab/pkg/errors"
)

func finished() model.WorkerUpdate { return model.WorkerUpdate{Status: model.WorkerFinished} }

func TestScoringOnlyNeverRecordsPredict(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	job := env.evaluate(t, 10, true)

	sub := env.subs.current(10)
	if sub.Execution.HasPrediction() {
		t.Fatalf("scoring-only evaluation recorded predict: %+v", sub.Execution)
	}
	if sub.Execution.ScoreJob != job.ID {
		t.Fatalf("score job = %q, want %q", sub.Execution.ScoreJob, job.ID)
	}
	if sub.Execution.Encode() != `{"score":"`+job.ID+`"}` {
		t.Fatalf("unexpected encoded state %s", sub.Execution.Encode())
	}
	if len(env.dispatcher.runs) != 1 {
		t.Fatalf("expected one run message, got %d", len(env.dispatcher.runs))
	}
	run := env.dispatcher.runs[0]
	want := model.RunTaskArgs{
		BundleID:           sub.Paths().Runfile,
		ContainerName:      "bundles",
		ReplyTo:            "response",
		ExecutionTimeLimit: 300,
		Predict:            false,
	}
	if run.jobID != job.ID || run.args != want {
		t.Fatalf("unexpected run %+v", run)
	}
	if sub.Status != model.StatusSubmitted {
		t.Fatalf("status = %s", sub.Status)
	}
	if got := env.jobs.status(job.ID); got != model.JobRunning {
		t.Fatalf("job status = %s, want running", got)
	}
}

func TestPredictionFinishedChainsIntoScoring(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, false)

	sub := env.subs.current(10)
	if sub.Execution != (model.ExecutionState{PredictJob: job.ID}) {
		t.Fatalf("unexpected state after prediction dispatch %+v", sub.Execution)
	}
	if !env.dispatcher.runs[0].args.Predict || env.dispatcher.runs[0].args.BundleID != sub.Paths().PredictionRunfile {
		t.Fatalf("unexpected prediction run %+v", env.dispatcher.runs[0])
	}

	status, err := env.orch.HandleCallback(ctx, job.ID, model.WorkerUpdate{Status: model.WorkerRunning})
	if err != nil || status != model.JobRunning {
		t.Fatalf("running callback status=%s err=%v", status, err)
	}
	if got := env.subs.current(10).Status; got != model.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}

	status, err = env.orch.HandleCallback(ctx, job.ID, finished())
	if err != nil || status != model.JobFinished {
		t.Fatalf("finished callback status=%s err=%v", status, err)
	}
	sub = env.subs.current(10)
	if sub.Execution.PredictJob != job.ID || !sub.Execution.HasScore() {
		t.Fatalf("expected both stages recorded, got %+v", sub.Execution)
	}
	scoreJob := sub.Execution.ScoreJob
	if scoreJob == job.ID {
		t.Fatalf("scoring must run under its own job")
	}
	if got := env.jobs.status(scoreJob); got != model.JobRunning {
		t.Fatalf("score job status = %s, want running", got)
	}
	if got := env.jobs.status(job.ID); got != model.JobFinished {
		t.Fatalf("prediction job status = %s, want finished", got)
	}
	if sub.Files.PredictionOutput != sub.Paths().PredictionOutput {
		t.Fatalf("prediction output not recorded: %+v", sub.Files)
	}
	if len(env.dispatcher.runs) != 2 || env.dispatcher.runs[1].args.Predict || env.dispatcher.runs[1].jobID != scoreJob {
		t.Fatalf("expected scoring run, got %+v", env.dispatcher.runs)
	}
	if sub.Status != model.StatusRunning {
		t.Fatalf("chained scoring must not reset status, got %s", sub.Status)
	}
	input := string(env.artifacts.files[sub.Paths().InputFile])
	if !strings.Contains(input, "res: "+sub.Paths().PredictionOutput) {
		t.Fatalf("input manifest does not point at predictions: %q", input)
	}
}

func TestEndToEndFinishedWithoutLeaderboard(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, false)

	if _, err := env.orch.HandleCallback(ctx, job.ID, finished()); err != nil {
		t.Fatalf("prediction finished failed: %v", err)
	}
	scoreJob := env.subs.current(10).Execution.ScoreJob
	paths := env.subs.current(10).Paths()
	env.artifacts.files[paths.Output] = zipWith(t, map[string]string{"scores.txt": "accuracy: 0.95\nf1: 0.88\n"})

	status, err := env.orch.HandleCallback(ctx, scoreJob, finished())
	if err != nil || status != model.JobFinished {
		t.Fatalf("scoring finished status=%s err=%v", status, err)
	}
	sub := env.subs.current(10)
	if sub.Status != model.StatusFinished {
		t.Fatalf("status = %s, want finished", sub.Status)
	}
	if len(env.scores.scores) != 2 {
		t.Fatalf("expected two scores, got %+v", env.scores.scores)
	}
	if env.leaderboard.adds != 0 {
		t.Fatalf("expected no leaderboard entry")
	}
	if len(env.mailer.sent) != 0 {
		t.Fatalf("expected no email")
	}
	if sub.Files.Output != paths.Output || sub.Files.PrivateOutput != paths.PrivateOutput || sub.Files.DetailedResults != paths.DetailedResults {
		t.Fatalf("output files not recorded: %+v", sub.Files)
	}
	for _, id := range []string{job.ID, scoreJob} {
		if got := env.jobs.status(id); got != model.JobFinished {
			t.Fatalf("job %s status = %s", id, got)
		}
	}
}

func TestRedeliveredPredictionCallbackIgnored(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, false)

	if _, err := env.orch.HandleCallback(ctx, job.ID, finished()); err != nil {
		t.Fatalf("prediction finished failed: %v", err)
	}
	before := env.subs.current(10)

	for _, update := range []model.WorkerUpdate{finished(), {Status: model.WorkerFailed}} {
		status, err := env.orch.HandleCallback(ctx, job.ID, update)
		if err != nil || status != model.JobFinished {
			t.Fatalf("%s redelivery status=%s err=%v", update.Status, status, err)
		}
	}
	sub := env.subs.current(10)
	if sub.Status != before.Status || sub.Execution != before.Execution || sub.ExceptionDetails != "" {
		t.Fatalf("redelivered prediction callback changed submission: %s %+v %q", sub.Status, sub.Execution, sub.ExceptionDetails)
	}
	if len(env.scores.scores) != 0 || len(env.dispatcher.runs) != 2 {
		t.Fatalf("redelivery must not reconcile or dispatch: scores=%d runs=%d", len(env.scores.scores), len(env.dispatcher.runs))
	}

	env.artifacts.files[sub.Paths().Output] = zipWith(t, map[string]string{"scores.txt": "accuracy: 0.9\nf1: 0.8\n"})
	status, err := env.orch.HandleCallback(ctx, sub.Execution.ScoreJob, finished())
	if err != nil || status != model.JobFinished {
		t.Fatalf("scoring finished status=%s err=%v", status, err)
	}
	if got := env.subs.current(10).Status; got != model.StatusFinished {
		t.Fatalf("status = %s, want finished", got)
	}
}

func TestWorkerMetadataSavedPerStage(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, false)

	update := model.WorkerUpdate{
		Status: model.WorkerRunning,
		Extra:  &model.WorkerUpdateExtra{Metadata: map[string]interface{}{"hostname": "worker-1"}},
	}
	if _, err := env.orch.HandleCallback(ctx, job.ID, update); err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if env.subs.metadata[10][true]["hostname"] != "worker-1" {
		t.Fatalf("expected prediction metadata, got %+v", env.subs.metadata)
	}
}

func TestFailedCallbackStoresTraceback(t *testing.T) {
	for _, status := range []string{model.WorkerFailed, "exploded"} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv(t, newTestSubmission())
			job := env.evaluate(t, 10, true)

			update := model.WorkerUpdate{Status: status, Extra: &model.WorkerUpdateExtra{Traceback: "Traceback: oops"}}
			got, err := env.orch.HandleCallback(context.Background(), job.ID, update)
			if err != nil || got != model.JobFailed {
				t.Fatalf("status=%s err=%v", got, err)
			}
			sub := env.subs.current(10)
			if sub.Status != model.StatusFailed || sub.ExceptionDetails != "Traceback: oops" {
				t.Fatalf("unexpected submission %s %q", sub.Status, sub.ExceptionDetails)
			}
			if env.jobs.status(job.ID) != model.JobFailed {
				t.Fatalf("job not failed")
			}
		})
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, true)

	if _, err := env.orch.HandleCallback(ctx, job.ID, model.WorkerUpdate{Status: model.WorkerFailed}); err != nil {
		t.Fatalf("failed callback: %v", err)
	}
	if _, err := env.orch.HandleCallback(ctx, job.ID, model.WorkerUpdate{Status: model.WorkerRunning}); err != nil {
		t.Fatalf("running callback: %v", err)
	}
	env.artifacts.files[env.subs.current(10).Paths().Output] = zipWith(t, map[string]string{"scores.txt": "accuracy: 1"})
	if _, err := env.orch.HandleCallback(ctx, job.ID, finished()); err != nil {
		t.Fatalf("finished callback: %v", err)
	}

	sub := env.subs.current(10)
	if sub.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", sub.Status)
	}
	if len(env.scores.scores) != 0 {
		t.Fatalf("final submission must not receive scores")
	}
}

func TestHandleCallbackRejectsWrongTaskType(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	job, err := env.orch.Echo(context.Background(), "hello")
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}

	_, err = env.orch.HandleCallback(context.Background(), job.ID, finished())
	if !appErr.Is(err, appErr.InvalidTaskType) {
		t.Fatalf("expected InvalidTaskType, got %v", err)
	}
	if env.jobs.status(job.ID) != model.JobFailed {
		t.Fatalf("job should be failed")
	}
	if _, err := env.orch.HandleCallback(context.Background(), "missing", finished()); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected JobNotFound, got %v", err)
	}
}

func TestDispatchFailureFailsSubmission(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	env.dispatcher.failRun = errBoom
	job := env.evaluate(t, 10, false)

	sub := env.subs.current(10)
	if sub.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", sub.Status)
	}
	if sub.ExceptionDetails != "dispatch prediction failed: boom" {
		t.Fatalf("exception details = %q", sub.ExceptionDetails)
	}
	if env.jobs.status(job.ID) != model.JobFailed {
		t.Fatalf("job should be failed")
	}
}

func TestMissingProgramFailsEvaluation(t *testing.T) {
	sub := newTestSubmission()
	sub.Files.Program = ""
	env := newTestEnv(t, sub)
	env.evaluate(t, 10, false)

	got := env.subs.current(10)
	if got.Status != model.StatusFailed || got.ExceptionDetails != "Program is missing" {
		t.Fatalf("unexpected submission %s %q", got.Status, got.ExceptionDetails)
	}
	if len(env.dispatcher.runs) != 0 {
		t.Fatalf("nothing should be dispatched")
	}
}

func TestChainFailurePolicy(t *testing.T) {
	tests := []struct {
		policy ChainFailurePolicy
		want   model.SubmissionStatus
	}{
		{ChainFailureLog, model.StatusSubmitted},
		{ChainFailureFail, model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			sub := newTestSubmission()
			sub.Phase.ScoringProgram = ""
			env := newTestEnv(t, sub, func(c *Config) { c.ChainFailurePolicy = tt.policy })
			job := env.evaluate(t, 10, false)

			status, err := env.orch.HandleCallback(context.Background(), job.ID, finished())
			if err != nil || status != model.JobFailed {
				t.Fatalf("status=%s err=%v", status, err)
			}
			if got := env.subs.current(10).Status; got != tt.want {
				t.Fatalf("submission status = %s, want %s", got, tt.want)
			}
			if len(env.dispatcher.runs) != 1 {
				t.Fatalf("scoring must not be dispatched")
			}
		})
	}
}

func TestScoringRefusedAfterCancel(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, false)

	status, err := env.orch.Cancel(ctx, 10)
	if err != nil || status != model.StatusCancelled {
		t.Fatalf("cancel status=%s err=%v", status, err)
	}
	if _, err := env.orch.HandleCallback(ctx, job.ID, finished()); err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	sub := env.subs.current(10)
	if sub.Status != model.StatusCancelled || sub.Execution.HasScore() {
		t.Fatalf("cancelled submission was scored: %s %+v", sub.Status, sub.Execution)
	}
	if len(env.dispatcher.runs) != 1 {
		t.Fatalf("scoring must not be dispatched after cancel")
	}

	if _, err := env.orch.Cancel(ctx, 10); !appErr.Is(err, appErr.SubmissionFinal) {
		t.Fatalf("expected SubmissionFinal, got %v", err)
	}
}

func TestEvaluationRefusedWhenCancelledBeforeDispatch(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job, err := env.orch.Evaluate(ctx, 10, false)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if _, err := env.orch.Cancel(ctx, 10); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if err := env.orch.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job failed: %v", err)
	}
	sub := env.subs.current(10)
	if sub.Status != model.StatusCancelled || sub.ExceptionDetails != "" {
		t.Fatalf("cancelled submission was touched: %s %q", sub.Status, sub.ExceptionDetails)
	}
	if sub.Execution.HasPrediction() || len(env.dispatcher.runs) != 0 {
		t.Fatalf("cancelled submission was dispatched: %+v runs=%d", sub.Execution, len(env.dispatcher.runs))
	}
	if got := env.jobs.status(job.ID); got != model.JobFailed {
		t.Fatalf("job status = %s, want failed", got)
	}
	if len(env.locker.held) != 0 {
		t.Fatalf("locks leaked: %v", env.locker.held)
	}
}

func TestEvaluationDispatchWaitsForLock(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job, err := env.orch.Evaluate(ctx, 10, true)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	env.locker.failOn = 10

	if err := env.orch.RunJob(ctx, job.ID); !appErr.Is(err, appErr.LockFailed) {
		t.Fatalf("expected LockFailed, got %v", err)
	}
	if got := env.jobs.status(job.ID); got != model.JobRunning {
		t.Fatalf("job must stay running for redelivery, got %s", got)
	}
	if len(env.dispatcher.runs) != 0 {
		t.Fatalf("nothing should be dispatched without the lock")
	}
}

func TestHandleCallbackLockBusy(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	job := env.evaluate(t, 10, true)
	env.locker.failOn = 10

	_, err := env.orch.HandleCallback(context.Background(), job.ID, finished())
	if !appErr.Is(err, appErr.LockFailed) {
		t.Fatalf("expected LockFailed, got %v", err)
	}
	if !retryable(err) {
		t.Fatalf("lock contention should be retried")
	}
	if env.subs.current(10).Status != model.StatusSubmitted {
		t.Fatalf("submission must be untouched")
	}
}

func TestEvaluateValidationAndDispatchErrors(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	if _, err := env.orch.Evaluate(context.Background(), 0, false); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}

	env.dispatcher.failJob = errBoom
	_, err := env.orch.Evaluate(context.Background(), 10, false)
	if !appErr.Is(err, appErr.DispatchFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected DispatchFailed wrapping boom, got %v", err)
	}
	for _, job := range env.jobs.jobs {
		if job.Status != model.JobFailed {
			t.Fatalf("undispatched job should be failed, got %s", job.Status)
		}
	}
}

func TestNewOrchestratorValidatesPolicies(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	cfg := Config{
		Jobs:        env.jobs,
		Submissions: env.subs,
		Scores:      env.scores,
		Artifacts:   env.artifacts,
		Leaderboard: env.leaderboard,
		Locker:      env.locker,
		Assembler:   env.orch.assembler,
		Dispatcher:  env.dispatcher,
		ReplyTo:     "response",
	}
	bad := cfg
	bad.ChainFailurePolicy = "retry"
	if _, err := NewOrchestrator(bad); err == nil {
		t.Fatalf("expected unknown chain policy error")
	}
	bad = cfg
	bad.ScoreParsePolicy = "ignore"
	if _, err := NewOrchestrator(bad); err == nil {
		t.Fatalf("expected unknown parse policy error")
	}
	bad = cfg
	bad.Dispatcher = nil
	if _, err := NewOrchestrator(bad); err == nil {
		t.Fatalf("expected missing dispatcher error")
	}
	if _, err := NewOrchestrator(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
