package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/metrics"
	"codalab/pkg/utils/logger"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// ScoreParsePolicy decides what an unparsable score line does.
type ScoreParsePolicy string

const (
	// ScoreParseFailFast aborts reconciliation and fails the submission.
	ScoreParseFailFast ScoreParsePolicy = "fail_fast"
	// ScoreParseSkip logs the line and keeps going.
	ScoreParseSkip ScoreParsePolicy = "skip"
)

const (
	completionSubject = "Submission has finished successfully!"
	completionBody    = "Your submission to the competition \"%s\" has finished successfully! View it here: %s"
)

// Reconciler turns a finished scoring run into scores, a final status,
// a leaderboard entry and a notification.
type Reconciler struct {
	submissions repository.SubmissionRepository
	scores      repository.ScoreRepository
	artifacts   repository.ArtifactRepository
	leaderboard repository.LeaderboardRepository
	mailer      notify.Sender
	metrics     *metrics.Manager
	siteURL     string
	fromEmail   string
	policy      ScoreParsePolicy
}

// ReconcilerConfig holds reconciler dependencies.
type ReconcilerConfig struct {
	Submissions repository.SubmissionRepository
	Scores      repository.ScoreRepository
	Artifacts   repository.ArtifactRepository
	Leaderboard repository.LeaderboardRepository
	Mailer      notify.Sender
	Metrics     *metrics.Manager
	SiteURL     string
	FromEmail   string
	ParsePolicy ScoreParsePolicy
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Scores == nil {
		return nil, fmt.Errorf("score repository is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact repository is required")
	}
	if cfg.Leaderboard == nil {
		return nil, fmt.Errorf("leaderboard repository is required")
	}
	if cfg.Mailer == nil {
		cfg.Mailer = notify.LogSender{}
	}
	switch cfg.ParsePolicy {
	case "":
		cfg.ParsePolicy = ScoreParseFailFast
	case ScoreParseFailFast, ScoreParseSkip:
	default:
		return nil, fmt.Errorf("unknown score parse policy %q", cfg.ParsePolicy)
	}
	return &Reconciler{
		submissions: cfg.Submissions,
		scores:      cfg.Scores,
		artifacts:   cfg.Artifacts,
		leaderboard: cfg.Leaderboard,
		mailer:      cfg.Mailer,
		metrics:     cfg.Metrics,
		siteURL:     strings.TrimRight(cfg.SiteURL, "/"),
		fromEmail:   cfg.FromEmail,
		policy:      cfg.ParsePolicy,
	}, nil
}

// Reconcile processes the output of a finished scoring run. A missing or
// unreadable score file fails the submission without returning an error.
func (r *Reconciler) Reconcile(ctx context.Context, sub *model.Submission) (model.JobStatus, error) {
	if sub.Status.IsTerminal() {
		logger.Info(ctx, "submission already final, ignoring scoring result", zap.String("status", string(sub.Status)))
		if sub.Status == model.StatusFinished {
			return model.JobFinished, nil
		}
		return model.JobFailed, nil
	}

	paths := sub.Paths()
	sub.Files.Output = paths.Output
	sub.Files.PrivateOutput = paths.PrivateOutput
	sub.Files.DetailedResults = paths.DetailedResults
	if err := r.submissions.SaveFiles(ctx, sub.ID, sub.Files); err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "save output files failed")
	}

	content, err := r.extractScores(ctx, sub.Files.Output)
	if err != nil {
		r.metrics.IncScoreExtractionFailure()
		logger.Error(ctx, "scores file not found, unable to process submission",
			zap.String("output", sub.Files.Output), zap.Error(err))
		if _, _, err := transitionStatus(ctx, r.submissions, r.metrics, sub.ID, model.StatusFailed); err != nil {
			return "", err
		}
		return model.JobFailed, nil
	}

	persisted, err := r.persistScores(ctx, sub, content)
	r.metrics.AddScoresPersisted(persisted)
	if err != nil {
		return "", err
	}

	if _, _, err := transitionStatus(ctx, r.submissions, r.metrics, sub.ID, model.StatusFinished); err != nil {
		return "", err
	}

	if sub.Phase.IsBlind || sub.Competition.ForceSubmissionToLeaderboard {
		if err := r.leaderboard.Add(ctx, sub.Phase.ID, sub.Participant.ID, sub.ID); err != nil {
			return "", err
		}
		logger.Info(ctx, "leaderboard updated with latest submission",
			zap.Bool("blind", sub.Phase.IsBlind), zap.Bool("forced", sub.Competition.ForceSubmissionToLeaderboard))
	}

	if sub.Participant.NotifyOnFinish && sub.Participant.Email != "" {
		r.notifyFinished(ctx, sub)
	}
	return model.JobFinished, nil
}

func (r *Reconciler) extractScores(ctx context.Context, outputKey string) (string, error) {
	data, err := r.artifacts.ReadAll(ctx, outputKey)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ScoreExtractionFailed, "read output archive failed")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ScoreExtractionFailed, "open output archive failed")
	}
	for _, f := range zr.File {
		if f.Name != model.ScoresFileName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", appErr.Wrapf(err, appErr.ScoreExtractionFailed, "open %s failed", f.Name)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", appErr.Wrapf(err, appErr.ScoreExtractionFailed, "read %s failed", f.Name)
		}
		return string(content), nil
	}
	return "", appErr.Newf(appErr.ScoreExtractionFailed, "%s not found in output archive", model.ScoresFileName)
}

// persistScores stores one score per known label and returns how many were created.
func (r *Reconciler) persistScores(ctx context.Context, sub *model.Submission, content string) (int, error) {
	lines, malformed := model.SplitScoreLines(content)
	for _, n := range malformed {
		err := appErr.Newf(appErr.ScoreParseFailed, "line %d: missing label separator", n)
		if r.policy == ScoreParseFailFast {
			return 0, err
		}
		logger.Warn(ctx, "skipping malformed score line", zap.Error(err))
	}

	created := 0
	for _, line := range lines {
		def, err := r.scores.FindDef(ctx, sub.Competition.ID, line.Label)
		if err != nil {
			if errors.Is(err, repository.ErrScoreDefNotFound) {
				logger.Warn(ctx, "score does not exist", zap.String("label", line.Label))
				continue
			}
			return created, appErr.Wrapf(err, appErr.DatabaseError, "load score definition failed")
		}
		value, err := line.Value()
		if err != nil {
			parseErr := appErr.Wrap(err, appErr.ScoreParseFailed)
			if r.policy == ScoreParseFailFast {
				return created, parseErr
			}
			logger.Warn(ctx, "skipping unparsable score", zap.String("label", line.Label), zap.Error(parseErr))
			continue
		}
		ok, err := r.scores.Create(ctx, model.Score{SubmissionID: sub.ID, ScoreDefID: def.ID, Value: value})
		if err != nil {
			return created, appErr.Wrapf(err, appErr.DatabaseError, "store score failed")
		}
		if ok {
			created++
		}
	}
	logger.Info(ctx, "scores processed", zap.Int("created", created))
	return created, nil
}

func (r *Reconciler) notifyFinished(ctx context.Context, sub *model.Submission) {
	link := fmt.Sprintf("%s/competitions/%d", r.siteURL, sub.Competition.ID)
	msg := notify.Message{
		From:    r.fromEmail,
		To:      []string{sub.Participant.Email},
		Subject: completionSubject,
		Body:    fmt.Sprintf(completionBody, sub.Competition.Title, link),
	}
	if err := r.mailer.Send(ctx, msg); err != nil {
		r.metrics.IncNotificationError()
		logger.Error(ctx, "send completion email failed", zap.Error(err))
	}
}
