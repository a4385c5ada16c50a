package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"codalab/internal/evaluation/bundle"
	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"

	"github.com/klauspost/compress/zip"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]*model.Job)} }

func (f *fakeJobs) Create(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) Get(ctx context.Context, jobID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, info json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.Status = status
	if info != nil {
		job.Info = info
	}
	return nil
}

func (f *fakeJobs) status(jobID string) model.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID].Status
}

type fakeSubmissions struct {
	mu          sync.Mutex
	subs        map[int64]*model.Submission
	metadata    map[int64]map[bool]map[string]interface{}
	transitions []model.SubmissionStatus
	stale       []int64
}

func newFakeSubmissions(subs ...*model.Submission) *fakeSubmissions {
	f := &fakeSubmissions{
		subs:     make(map[int64]*model.Submission),
		metadata: make(map[int64]map[bool]map[string]interface{}),
	}
	for _, s := range subs {
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubmissions) Get(ctx context.Context, id int64) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, repository.ErrSubmissionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) TransitionStatus(ctx context.Context, id int64, to model.SubmissionStatus) (model.SubmissionStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return "", false, repository.ErrSubmissionNotFound
	}
	from := s.Status
	if !model.CanTransition(from, to) {
		return from, false, nil
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	f.transitions = append(f.transitions, to)
	return from, true, nil
}

func (f *fakeSubmissions) SaveExecutionState(ctx context.Context, id int64, state model.ExecutionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id].Execution = state
	return nil
}

func (f *fakeSubmissions) SaveFiles(ctx context.Context, id int64, files model.SubmissionFiles) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id].Files = files
	return nil
}

func (f *fakeSubmissions) SaveExceptionDetails(ctx context.Context, id int64, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id].ExceptionDetails = details
	return nil
}

func (f *fakeSubmissions) SaveMetadata(ctx context.Context, id int64, isPredict bool, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata[id] == nil {
		f.metadata[id] = make(map[bool]map[string]interface{})
	}
	f.metadata[id][isPredict] = metadata
	return nil
}

func (f *fakeSubmissions) ListStale(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeSubmissions) current(id int64) *model.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.subs[id]
	return &cp
}

type fakeScores struct {
	mu     sync.Mutex
	defs   map[string]model.ScoreDef
	scores []model.Score
}

func newFakeScores(keys ...string) *fakeScores {
	f := &fakeScores{defs: make(map[string]model.ScoreDef)}
	for i, k := range keys {
		f.defs[k] = model.ScoreDef{ID: int64(i + 1), CompetitionID: 3, Key: k}
	}
	return f
}

func (f *fakeScores) FindDef(ctx context.Context, competitionID int64, key string) (*model.ScoreDef, error) {
	def, ok := f.defs[key]
	if !ok {
		return nil, repository.ErrScoreDefNotFound
	}
	return &def, nil
}

func (f *fakeScores) Create(ctx context.Context, score model.Score) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.scores {
		if s.SubmissionID == score.SubmissionID && s.ScoreDefID == score.ScoreDefID {
			return false, nil
		}
	}
	f.scores = append(f.scores, score)
	return true, nil
}

type fakeArtifacts struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{files: make(map[string][]byte)} }

func (f *fakeArtifacts) Save(ctx context.Context, key string, content []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = append([]byte(nil), content...)
	return nil
}

func (f *fakeArtifacts) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := f.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeArtifacts) ReadAll(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[key]
	if !ok {
		return nil, appErr.Newf(appErr.NotFound, "artifact %s not found", key)
	}
	return data, nil
}

type fakeLeaderboard struct {
	mu      sync.Mutex
	entries map[[2]int64]int64
	adds    int
}

func newFakeLeaderboard() *fakeLeaderboard {
	return &fakeLeaderboard{entries: make(map[[2]int64]int64)}
}

func (f *fakeLeaderboard) Add(ctx context.Context, phaseID, participantID, submissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[[2]int64{phaseID, participantID}] = submissionID
	f.adds++
	return nil
}

func (f *fakeLeaderboard) Entry(ctx context.Context, phaseID, participantID int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.entries[[2]int64{phaseID, participantID}]
	return id, ok, nil
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[int64]bool
	locks  int
	failOn int64
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[int64]bool)} }

func (f *fakeLocker) Lock(ctx context.Context, id int64) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] || id == f.failOn {
		return nil, appErr.New(appErr.LockFailed)
	}
	f.held[id] = true
	f.locks++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, id)
	}, nil
}

type runCall struct {
	jobID string
	args  model.RunTaskArgs
}

type fakeDispatcher struct {
	mu      sync.Mutex
	jobs    []*model.Job
	runs    []runCall
	failRun error
	failJob error
}

func (f *fakeDispatcher) DispatchJob(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failJob != nil {
		return f.failJob
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeDispatcher) DispatchRun(ctx context.Context, jobID string, args model.RunTaskArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRun != nil {
		return f.failRun
	}
	f.runs = append(f.runs, runCall{jobID: jobID, args: args})
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeAggregates struct{}

func (fakeAggregates) FinishedHistory(ctx context.Context, participantID int64) ([]model.HistoryEntry, error) {
	return nil, nil
}

func (fakeAggregates) CountPhaseSubmissions(ctx context.Context, phaseID, participantID int64) (int, error) {
	return 1, nil
}

func (fakeAggregates) CompetitionPhases(ctx context.Context, competitionID int64) ([]model.PhaseRef, error) {
	return []model.PhaseRef{{ID: 5, Number: 1}}, nil
}

func (fakeAggregates) CoopetitionRows(ctx context.Context, phaseID int64) ([]model.CoopetitionRow, error) {
	return nil, nil
}

func (fakeAggregates) ResultsTable(ctx context.Context, phaseID int64, includeHidden bool) (model.ResultsTable, error) {
	return model.ResultsTable{Header: []string{"User", "Submission"}}, nil
}

func (fakeAggregates) Downloads(ctx context.Context, competitionID int64) ([]model.DownloadRecord, error) {
	return nil, nil
}

type testEnv struct {
	orch        *Orchestrator
	jobs        *fakeJobs
	subs        *fakeSubmissions
	scores      *fakeScores
	artifacts   *fakeArtifacts
	leaderboard *fakeLeaderboard
	locker      *fakeLocker
	dispatcher  *fakeDispatcher
	mailer      *fakeMailer
}

func newTestSubmission() *model.Submission {
	return &model.Submission{
		ID:          10,
		Number:      1,
		Participant: model.Participant{ID: 9, Username: "alice", Email: "alice@example.com"},
		Phase: model.Phase{
			ID:                 5,
			CompetitionID:      3,
			Number:             1,
			ScoringProgram:     "programs/scoring.zip",
			ExecutionTimeLimit: 300,
		},
		Competition: model.Competition{ID: 3, Title: "Cats vs Dogs"},
		Status:      model.StatusSubmitted,
		SubmittedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Files:       model.SubmissionFiles{Program: "uploads/run.py"},
	}
}

func newTestEnv(t *testing.T, sub *model.Submission, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs:        newFakeJobs(),
		subs:        newFakeSubmissions(sub),
		scores:      newFakeScores("accuracy", "f1"),
		artifacts:   newFakeArtifacts(),
		leaderboard: newFakeLeaderboard(),
		locker:      newFakeLocker(),
		dispatcher:  &fakeDispatcher{},
		mailer:      &fakeMailer{},
	}
	assembler, err := bundle.NewAssembler(bundle.Config{Artifacts: env.artifacts, Aggregates: fakeAggregates{}})
	if err != nil {
		t.Fatalf("new assembler failed: %v", err)
	}
	cfg := Config{
		Jobs:          env.jobs,
		Submissions:   env.subs,
		Scores:        env.scores,
		Artifacts:     env.artifacts,
		Leaderboard:   env.leaderboard,
		Locker:        env.locker,
		Assembler:     assembler,
		Dispatcher:    env.dispatcher,
		Mailer:        env.mailer,
		ContainerName: "bundles",
		ReplyTo:       "response",
		SiteURL:       "https://codalab.example.org/",
		FromEmail:     "noreply@codalab.example.org",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.orch, err = NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	return env
}

// evaluate creates the evaluate_submission job and runs it as the jobs consumer would.
func (e *testEnv) evaluate(t *testing.T, id int64, skipPrediction bool) *model.Job {
	t.Helper()
	job, err := e.orch.Evaluate(context.Background(), id, skipPrediction)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if err := e.orch.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job failed: %v", err)
	}
	return job
}

func zipWith(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create failed: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close failed: %v", err)
	}
	return buf.Bytes()
}

var errBoom = errors.New("boom")
