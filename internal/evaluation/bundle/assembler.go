package bundle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeZip  = "application/zip"

	submittedAtLayout = "2006-01-02T15:04:05"
)

// Assembler writes the metadata-only bundles a compute worker runs.
// Assemblers set the generated artifact keys on the submission's Files;
// persisting them is up to the caller.
type Assembler struct {
	artifacts  repository.ArtifactRepository
	aggregates repository.AggregateRepository
}

// Config holds assembler dependencies.
type Config struct {
	Artifacts  repository.ArtifactRepository
	Aggregates repository.AggregateRepository
}

// NewAssembler creates a bundle assembler.
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact repository is required")
	}
	if cfg.Aggregates == nil {
		return nil, fmt.Errorf("aggregate repository is required")
	}
	return &Assembler{artifacts: cfg.Artifacts, aggregates: cfg.Aggregates}, nil
}

// Prediction writes the prediction run manifest and the stdout/stderr
// placeholders. It returns the manifest key, used as the bundle id.
func (a *Assembler) Prediction(ctx context.Context, sub *model.Submission) (string, error) {
	if sub.Files.Program == "" {
		return "", appErr.New(appErr.MissingInput).WithDetail("submission_id", sub.ID)
	}
	paths := sub.Paths()

	var run Manifest
	run.Add("program", sub.Files.Program)
	if sub.Phase.InputData != "" {
		run.Add("input", sub.Phase.InputData)
	}
	run.Add("stdout", paths.Stdout)
	run.Add("stderr", paths.Stderr)

	logger.Info(ctx, "assembling prediction bundle", zap.String("runfile", paths.PredictionRunfile))
	if err := a.artifacts.Save(ctx, paths.PredictionRunfile, run.Bytes(), contentTypeText); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save prediction runfile failed")
	}
	sub.Files.PredictionRunfile = paths.PredictionRunfile

	stdout := placeholder("output", sub.Number, sub.Participant.Username)
	stderr := placeholder("error", sub.Number, sub.Participant.Username)
	for _, f := range []struct {
		key     string
		content []byte
	}{
		{paths.Stdout, stdout},
		{paths.PredictionStdout, stdout},
		{paths.Stderr, stderr},
		{paths.PredictionStderr, stderr},
	} {
		if err := a.artifacts.Save(ctx, f.key, f.content, contentTypeText); err != nil {
			return "", appErr.Wrapf(err, appErr.BundleFailed, "save placeholder %s failed", f.key)
		}
	}
	sub.Files.Stdout = paths.Stdout
	sub.Files.Stderr = paths.Stderr
	sub.Files.PredictionStdout = paths.PredictionStdout
	sub.Files.PredictionStderr = paths.PredictionStderr

	return paths.PredictionRunfile, nil
}

// Scoring writes the history, scores, coopetition, input and run artifacts
// of the scoring stage. It returns the run manifest key.
func (a *Assembler) Scoring(ctx context.Context, sub *model.Submission, state model.ExecutionState) (string, error) {
	results := sub.Files.Program
	if state.HasPrediction() {
		results = sub.Files.PredictionOutput
	}
	if results == "" {
		return "", appErr.New(appErr.MissingResults).WithDetail("submission_id", sub.ID)
	}
	if sub.Phase.ScoringProgram == "" {
		return "", appErr.New(appErr.MissingInput).WithDetail("submission_id", sub.ID)
	}
	paths := sub.Paths()

	history, err := a.historyManifest(ctx, sub)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "build history failed")
	}
	if err := a.artifacts.Save(ctx, paths.History, history.Bytes(), contentTypeText); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save history failed")
	}
	sub.Files.History = paths.History

	table, err := a.aggregates.ResultsTable(ctx, sub.Phase.ID, false)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "load results failed")
	}
	scores, err := encodeCSV(table.Header, table.Rows)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "encode results failed")
	}
	if err := a.artifacts.Save(ctx, paths.Scores, scores, contentTypeCSV); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save scores failed")
	}
	sub.Files.Scores = paths.Scores

	coopetition, err := a.coopetitionArchive(ctx, sub)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "build coopetition archive failed")
	}
	if err := a.artifacts.Save(ctx, paths.Coopetition, coopetition, contentTypeZip); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save coopetition archive failed")
	}
	sub.Files.Coopetition = paths.Coopetition

	automatic := false
	if sub.Phase.AutoMigration {
		count, err := a.aggregates.CountPhaseSubmissions(ctx, sub.Phase.ID, sub.Participant.ID)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.BundleFailed, "count phase submissions failed")
		}
		automatic = count == 1
	}

	var input Manifest
	if sub.Phase.ReferenceData != "" {
		input.Add("ref", sub.Phase.ReferenceData)
	}
	input.Add("res", results)
	input.Add("history", paths.History)
	input.Add("scores", paths.Scores)
	input.Add("coopetition", paths.Coopetition)
	input.Add("submitted-by", sub.Participant.Username)
	input.Add("submitted-at", sub.SubmittedAt.UTC().Truncate(time.Second).Format(submittedAtLayout))
	input.Add("competition-submission", strconv.Itoa(sub.Number))
	input.Add("competition-phase", strconv.Itoa(sub.Phase.Number))
	input.Add("automatic-submission", strconv.FormatBool(automatic))
	if err := a.artifacts.Save(ctx, paths.InputFile, input.Bytes(), contentTypeText); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save input manifest failed")
	}
	sub.Files.InputFile = paths.InputFile

	var run Manifest
	run.Add("program", sub.Phase.ScoringProgram)
	run.Add("input", paths.InputFile)
	run.Add("stdout", paths.Stdout)
	run.Add("stderr", paths.Stderr)
	logger.Info(ctx, "assembling scoring bundle", zap.String("runfile", paths.Runfile), zap.Bool("predicted", state.HasPrediction()))
	if err := a.artifacts.Save(ctx, paths.Runfile, run.Bytes(), contentTypeText); err != nil {
		return "", appErr.Wrapf(err, appErr.BundleFailed, "save runfile failed")
	}
	sub.Files.Runfile = paths.Runfile

	if !state.HasPrediction() {
		if err := a.artifacts.Save(ctx, paths.Stdout, placeholder("output", sub.Number, sub.Participant.Username), contentTypeText); err != nil {
			return "", appErr.Wrapf(err, appErr.BundleFailed, "save stdout placeholder failed")
		}
		if err := a.artifacts.Save(ctx, paths.Stderr, placeholder("error", sub.Number, sub.Participant.Username), contentTypeText); err != nil {
			return "", appErr.Wrapf(err, appErr.BundleFailed, "save stderr placeholder failed")
		}
		sub.Files.Stdout = paths.Stdout
		sub.Files.Stderr = paths.Stderr
	}

	return paths.Runfile, nil
}

func (a *Assembler) historyManifest(ctx context.Context, sub *model.Submission) (*Manifest, error) {
	entries, err := a.aggregates.FinishedHistory(ctx, sub.Participant.ID)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	m.Add("description", "history of all previous successful runs output files")
	for _, e := range entries {
		if e.SubmissionID == sub.ID {
			continue
		}
		// Zero padded so folders sort lexically.
		m.AddLine(fmt.Sprintf("%03d/%03d/output/: %s", e.PhaseNumber, e.SubmissionNumber, e.PrivateOutput()))
	}
	return m, nil
}
