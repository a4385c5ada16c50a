package service

import (
	"context"
	"errors"
	"testing"

	"codalab/internal/evaluation/model"
	appErr "codalab/pkg/errors"
	"codalab/pkg/metrics"
)

func counterValue(t *testing.T, m *metrics.Manager, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

type reconcilerEnv struct {
	rec         *Reconciler
	subs        *fakeSubmissions
	scores      *fakeScores
	artifacts   *fakeArtifacts
	leaderboard *fakeLeaderboard
	mailer      *fakeMailer
	metrics     *metrics.Manager
}

func newReconcilerEnv(t *testing.T, sub *model.Submission, policy ScoreParsePolicy) *reconcilerEnv {
	t.Helper()
	sub.Status = model.StatusRunning
	sub.Execution = model.ExecutionState{ScoreJob: "job-1"}
	env := &reconcilerEnv{
		subs:        newFakeSubmissions(sub),
		scores:      newFakeScores("accuracy", "f1"),
		artifacts:   newFakeArtifacts(),
		leaderboard: newFakeLeaderboard(),
		mailer:      &fakeMailer{},
		metrics:     metrics.NewManager(),
	}
	rec, err := NewReconciler(ReconcilerConfig{
		Submissions: env.subs,
		Scores:      env.scores,
		Artifacts:   env.artifacts,
		Leaderboard: env.leaderboard,
		Mailer:      env.mailer,
		Metrics:     env.metrics,
		SiteURL:     "https://codalab.example.org/",
		FromEmail:   "noreply@codalab.example.org",
		ParsePolicy: policy,
	})
	if err != nil {
		t.Fatalf("new reconciler failed: %v", err)
	}
	env.rec = rec
	return env
}

func (e *reconcilerEnv) run(t *testing.T, scores string) (model.JobStatus, error) {
	t.Helper()
	sub, _ := e.subs.Get(context.Background(), 10)
	e.artifacts.files[sub.Paths().Output] = zipWith(t, map[string]string{model.ScoresFileName: scores})
	return e.rec.Reconcile(context.Background(), sub)
}

func TestReconcileTwoScores(t *testing.T) {
	env := newReconcilerEnv(t, newTestSubmission(), "")
	status, err := env.run(t, "accuracy: 0.95\nf1: 0.88")
	if err != nil || status != model.JobFinished {
		t.Fatalf("status=%s err=%v", status, err)
	}
	want := []model.Score{{SubmissionID: 10, ScoreDefID: 1, Value: 0.95}, {SubmissionID: 10, ScoreDefID: 2, Value: 0.88}}
	if len(env.scores.scores) != 2 || env.scores.scores[0] != want[0] || env.scores.scores[1] != want[1] {
		t.Fatalf("scores = %+v", env.scores.scores)
	}
	if got := counterValue(t, env.metrics, "codalab_evaluation_scores_persisted_total"); got != 2 {
		t.Fatalf("scores persisted = %v", got)
	}
}

func TestReconcileSkipsUnmatchedLabel(t *testing.T) {
	env := newReconcilerEnv(t, newTestSubmission(), "")
	status, err := env.run(t, "accuracy: 0.95\nrecall: 0.5\n")
	if err != nil || status != model.JobFinished {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if len(env.scores.scores) != 1 || env.scores.scores[0].ScoreDefID != 1 {
		t.Fatalf("scores = %+v", env.scores.scores)
	}
}

func TestReconcileCorruptArchive(t *testing.T) {
	env := newReconcilerEnv(t, newTestSubmission(), "")
	sub, _ := env.subs.Get(context.Background(), 10)
	env.artifacts.files[sub.Paths().Output] = []byte("definitely not a zip")

	status, err := env.rec.Reconcile(context.Background(), sub)
	if err != nil || status != model.JobFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if got := env.subs.current(10).Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if len(env.scores.scores) != 0 {
		t.Fatalf("expected no scores")
	}
}

func TestReconcileMissingScoresFile(t *testing.T) {
	env := newReconcilerEnv(t, newTestSubmission(), "")
	sub, _ := env.subs.Get(context.Background(), 10)
	env.artifacts.files[sub.Paths().Output] = zipWith(t, map[string]string{"other/scores.txt": "accuracy: 1"})

	status, err := env.rec.Reconcile(context.Background(), sub)
	if err != nil || status != model.JobFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if env.subs.current(10).Status != model.StatusFailed {
		t.Fatalf("expected failed submission")
	}
}

func TestReconcileMissingArchive(t *testing.T) {
	env := newReconcilerEnv(t, newTestSubmission(), "")
	sub, _ := env.subs.Get(context.Background(), 10)

	status, err := env.rec.Reconcile(context.Background(), sub)
	if err != nil || status != model.JobFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
}

func TestReconcileLeaderboardAndNotification(t *testing.T) {
	sub := newTestSubmission()
	sub.Phase.IsBlind = true
	sub.Competition.ForceSubmissionToLeaderboard = true
	sub.Participant.NotifyOnFinish = true
	env := newReconcilerEnv(t, sub, "")

	if _, err := env.run(t, "accuracy: 0.5"); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if env.leaderboard.adds != 1 {
		t.Fatalf("expected one leaderboard update, got %d", env.leaderboard.adds)
	}
	if id, ok, _ := env.leaderboard.Entry(context.Background(), 5, 9); !ok || id != 10 {
		t.Fatalf("leaderboard entry = %d %v", id, ok)
	}
	if len(env.mailer.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(env.mailer.sent))
	}
	msg := env.mailer.sent[0]
	wantBody := `Your submission to the competition "Cats vs Dogs" has finished successfully! View it here: https://codalab.example.org/competitions/3`
	if msg.Subject != "Submission has finished successfully!" || msg.Body != wantBody || msg.To[0] != "alice@example.com" {
		t.Fatalf("unexpected email %+v", msg)
	}
}

func TestReconcileEmailFailureIsNotFatal(t *testing.T) {
	sub := newTestSubmission()
	sub.Participant.NotifyOnFinish = true
	env := newReconcilerEnv(t, sub, "")
	env.mailer.err = errors.New("smtp down")

	status, err := env.run(t, "accuracy: 0.5")
	if err != nil || status != model.JobFinished {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if got := counterValue(t, env.metrics, "codalab_evaluation_notification_errors_total"); got != 1 {
		t.Fatalf("notification errors = %v", got)
	}
}

func TestReconcileScoreParsePolicy(t *testing.T) {
	t.Run("fail_fast", func(t *testing.T) {
		env := newReconcilerEnv(t, newTestSubmission(), ScoreParseFailFast)
		_, err := env.run(t, "accuracy: abc\nf1: 0.5")
		if !appErr.Is(err, appErr.ScoreParseFailed) {
			t.Fatalf("expected ScoreParseFailed, got %v", err)
		}
		if env.subs.current(10).Status != model.StatusRunning {
			t.Fatalf("reconciler must leave forcing the failure to the caller")
		}
	})
	t.Run("skip", func(t *testing.T) {
		env := newReconcilerEnv(t, newTestSubmission(), ScoreParseSkip)
		status, err := env.run(t, "accuracy: abc\nno separator\nf1: 0.5")
		if err != nil || status != model.JobFinished {
			t.Fatalf("status=%s err=%v", status, err)
		}
		if len(env.scores.scores) != 1 || env.scores.scores[0].ScoreDefID != 2 {
			t.Fatalf("scores = %+v", env.scores.scores)
		}
	})
}

func TestParseFailureForcesSubmissionFailed(t *testing.T) {
	env := newTestEnv(t, newTestSubmission())
	ctx := context.Background()
	job := env.evaluate(t, 10, true)
	env.artifacts.files[env.subs.current(10).Paths().Output] = zipWith(t, map[string]string{"scores.txt": "accuracy: not-a-number"})

	status, err := env.orch.HandleCallback(ctx, job.ID, finished())
	var updateErr *SubmissionUpdateError
	if !errors.As(err, &updateErr) || updateErr.SubmissionID != 10 || updateErr.JobID != job.ID {
		t.Fatalf("expected SubmissionUpdateError, got %v", err)
	}
	if !appErr.Is(err, appErr.ScoreParseFailed) {
		t.Fatalf("expected ScoreParseFailed in chain, got %v", err)
	}
	if status != model.JobFailed || env.subs.current(10).Status != model.StatusFailed {
		t.Fatalf("status=%s submission=%s", status, env.subs.current(10).Status)
	}
	if retryable(err) {
		t.Fatalf("update errors must not be retried")
	}
}
