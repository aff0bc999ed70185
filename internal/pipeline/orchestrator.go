package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lookalike/internal/faceapi"
	"lookalike/internal/match"
	"lookalike/internal/models"
	"lookalike/internal/telemetry"
)

// JobStore is the persistence surface used by the pipeline. Implementations
// must make SetSubjectToken a no-op once a token is present and keep
// UpdateProgress monotone for processing jobs.
type JobStore interface {
	CreateJob(ctx context.Context, sessionID, imageRef string, thumbRef *string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByShareCode(ctx context.Context, code string) (models.Job, error)
	ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]models.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetSubjectToken(ctx context.Context, id, token string) error
	MarkCompleted(ctx context.Context, id string, matches []models.Match) error
	MarkFailed(ctx context.Context, id, message string) error
	PublishJob(ctx context.Context, id, proposedCode string) (string, error)
}

// Corpus is a read-only view of the reference subjects.
type Corpus interface {
	ListComparableSubjects(ctx context.Context) ([]models.Subject, error)
	CountComparableSubjects(ctx context.Context) (int64, error)
}

// Oracle is the external face detection/comparison capability.
type Oracle interface {
	match.Comparer
	Detect(ctx context.Context, image []byte, filename string) (string, error)
	Configured() bool
}

// ImageStore persists submitted photos and returns opaque references.
type ImageStore interface {
	Save(ctx context.Context, image []byte, filename string) (ref string, thumbRef *string, err error)
}

// Progress checkpoints. Comparison completions are mapped onto the
// compareFloor..compareCeil band; 100 is reserved for true completion.
const (
	progressAccepted  = 5
	progressValidated = 10
	compareFloor      = 40
	compareCeil       = 90
)

// persistStep bounds write volume: fanout progress is persisted only when it
// advanced at least this many points since the last write.
const persistStep = 5

// Orchestrator owns the job state machine. Submissions return immediately;
// execution runs in a supervised goroutine per job and always lands the job
// in a terminal state.
type Orchestrator struct {
	store   JobStore
	corpus  Corpus
	oracle  Oracle
	media   ImageStore
	workers int
	topK    int
	timeout time.Duration
	logger  *zap.Logger

	wg sync.WaitGroup
}

// OrchestratorOptions bundles construction parameters.
type OrchestratorOptions struct {
	Store   JobStore
	Corpus  Corpus
	Oracle  Oracle
	Media   ImageStore
	Workers int
	TopK    int
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   opts.Store,
		corpus:  opts.Corpus,
		oracle:  opts.Oracle,
		media:   opts.Media,
		workers: workers,
		topK:    topK,
		timeout: timeout,
		logger:  logger,
	}
}

// Submit stores the image, persists a processing job, and schedules exactly
// one background execution for it. The caller gets the job back immediately
// and polls for status; no oracle call happens on this path.
func (o *Orchestrator) Submit(ctx context.Context, image []byte, filename, sessionID string) (models.Job, error) {
	ref, thumbRef, err := o.media.Save(ctx, image, filename)
	if err != nil {
		return models.Job{}, fmt.Errorf("store submitted image: %w", err)
	}

	job, err := o.store.CreateJob(ctx, sessionID, ref, thumbRef)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	telemetry.SubmissionsTotal.Inc()
	o.wg.Add(1)
	go o.run(job.ID, image, filename)

	return job, nil
}

// Drain waits for in-flight executions to finish, up to the timeout.
func (o *Orchestrator) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("drain timeout, abandoning in-flight jobs")
	}
}

// run supervises one execution: the job must reach a terminal state even if
// Execute panics.
func (o *Orchestrator) run(jobID string, image []byte, filename string) {
	defer o.wg.Done()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job execution panicked", zap.String("job_id", jobID), zap.Any("panic", r))
			o.fail(jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := o.Execute(ctx, jobID, image, filename); err != nil {
		// Execute already transitioned the job; this is for the logs only.
		o.logger.Info("job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Execute runs the comparison pipeline for a single job. Every return path
// leaves the job in exactly one terminal state.
func (o *Orchestrator) Execute(ctx context.Context, jobID string, image []byte, filename string) error {
	_ = o.store.UpdateProgress(ctx, jobID, progressAccepted)

	// Fail fast before spending a detection call.
	if !o.oracle.Configured() {
		return o.fail(jobID, "face comparison service is not configured, contact the administrator")
	}
	corpusSize, err := o.corpus.CountComparableSubjects(ctx)
	if err != nil {
		return o.fail(jobID, failureMessage(err))
	}
	if corpusSize == 0 {
		return o.fail(jobID, "no corpus data, import reference subjects first")
	}
	_ = o.store.UpdateProgress(ctx, jobID, progressValidated)

	token, err := o.detectToken(ctx, jobID, image, filename)
	if err != nil {
		return o.fail(jobID, failureMessage(err))
	}
	_ = o.store.UpdateProgress(ctx, jobID, compareFloor)

	subjects, err := o.corpus.ListComparableSubjects(ctx)
	if err != nil {
		return o.fail(jobID, failureMessage(err))
	}

	fanout := match.NewFanout(o.oracle, o.workers, o.logger)
	results := fanout.Run(ctx, token, subjects, match.NewTopK(o.topK), o.progressSampler(ctx, jobID))
	if len(results) == 0 {
		return o.fail(jobID, "no similar match found, try a photo taken from a different angle")
	}

	matches := annotate(results, subjects)
	if err := o.store.MarkCompleted(ctx, jobID, matches); err != nil {
		return o.fail(jobID, failureMessage(err))
	}

	telemetry.JobsCompleted.Inc()
	o.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("corpus_size", len(subjects)),
		zap.Int("matches", len(matches)))
	return nil
}

// detectToken obtains the job's face token, honoring an already-persisted
// one so detection never overwrites a previous result.
func (o *Orchestrator) detectToken(ctx context.Context, jobID string, image []byte, filename string) (string, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.SubjectToken != nil && *job.SubjectToken != "" {
		return *job.SubjectToken, nil
	}

	token, err := o.oracle.Detect(ctx, image, filename)
	if err != nil {
		return "", err
	}
	if err := o.store.SetSubjectToken(ctx, jobID, token); err != nil {
		return "", err
	}
	return token, nil
}

// progressSampler maps fanout completions onto the comparison progress band,
// persisting only on persistStep-sized advances or on the final completion.
func (o *Orchestrator) progressSampler(ctx context.Context, jobID string) match.Progress {
	var mu sync.Mutex
	last := compareFloor
	return func(done, total int) {
		pct := compareFloor + done*(compareCeil-compareFloor)/total

		mu.Lock()
		if pct < last+persistStep && done != total {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()

		_ = o.store.UpdateProgress(ctx, jobID, pct)
	}
}

func (o *Orchestrator) fail(jobID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.MarkFailed(ctx, jobID, message); err != nil {
		o.logger.Error("mark failed", zap.String("job_id", jobID), zap.Error(err))
	}
	telemetry.JobsFailed.Inc()
	return errors.New(message)
}

// failureMessage prefers the user-facing message of classified face API
// errors over raw wrapped error chains.
func failureMessage(err error) string {
	var fe *faceapi.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// annotate joins ranked scores with subject display metadata.
func annotate(results []match.Scored, subjects []models.Subject) []models.Match {
	byID := make(map[string]models.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}
	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		m := models.Match{SubjectID: r.SubjectID, Similarity: r.Score}
		if s, ok := byID[r.SubjectID]; ok {
			m.SubjectName = s.Name
			m.PhotoURL = s.PhotoURL
		}
		matches = append(matches, m)
	}
	return matches
}
