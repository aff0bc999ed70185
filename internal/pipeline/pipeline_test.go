package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"lookalike/internal/models"
	"lookalike/internal/store"
)

// fakeStore mimics the Postgres store's guarantees in memory: monotone
// progress while processing, set-once subject token, terminal transitions
// only out of processing, COALESCE share-code claims.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	progress map[string][]int
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*models.Job),
		progress: make(map[string][]int),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, sessionID, imageRef string, thumbRef *string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := string(rune('a'+f.nextID-1)) + "-job"
	job := &models.Job{
		ID:        id,
		SessionID: sessionID,
		Status:    models.StatusProcessing,
		ImageRef:  imageRef,
		ThumbRef:  thumbRef,
	}
	f.jobs[id] = job
	return *job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *job, nil
}

func (f *fakeStore) GetJobByShareCode(_ context.Context, code string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.IsPublic && job.ShareCode != nil && *job.ShareCode == code {
			return *job, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (f *fakeStore) ListJobsBySession(_ context.Context, sessionID string, _ int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, job := range f.jobs {
		if job.SessionID == sessionID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) UpdateProgress(_ context.Context, id string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	f.progress[id] = append(f.progress[id], job.Progress)
	return nil
}

func (f *fakeStore) SetSubjectToken(_ context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.SubjectToken == nil {
		job.SubjectToken = &token
	}
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id string, matches []models.Match) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return nil
	}
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Matches = matches
	job.ErrorMessage = nil
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return nil
	}
	job.Status = models.StatusFailed
	job.Progress = 0
	job.ErrorMessage = &message
	return nil
}

func (f *fakeStore) PublishJob(_ context.Context, id, proposedCode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != models.StatusCompleted {
		return "", store.ErrNotFound
	}
	if job.ShareCode == nil {
		job.ShareCode = &proposedCode
	}
	job.IsPublic = true
	return *job.ShareCode, nil
}

func (f *fakeStore) progressHistory(id string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.progress[id]))
	copy(out, f.progress[id])
	return out
}

type fakeCorpus struct {
	subjects []models.Subject
	err      error
}

func (f *fakeCorpus) ListComparableSubjects(context.Context) ([]models.Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Subject
	for _, s := range f.subjects {
		if s.Comparable() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeCorpus) CountComparableSubjects(ctx context.Context) (int64, error) {
	subjects, err := f.ListComparableSubjects(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(subjects)), nil
}

type fakeOracle struct {
	mu          sync.Mutex
	configured  bool
	detectToken string
	detectErr   error
	detectCalls int
	scores      map[string]float64
	compareErr  error
}

func (f *fakeOracle) Configured() bool { return f.configured }

func (f *fakeOracle) Detect(context.Context, []byte, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	if f.detectErr != nil {
		return "", f.detectErr
	}
	return f.detectToken, nil
}

func (f *fakeOracle) Compare(_ context.Context, _, tokenB string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.compareErr != nil {
		return 0, f.compareErr
	}
	score, ok := f.scores[tokenB]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return score, nil
}

type fakeMedia struct{}

func (fakeMedia) Save(_ context.Context, _ []byte, filename string) (string, *string, error) {
	ref := "media/" + filename
	return ref, nil, nil
}

func corpusOf(scores map[string]float64) *fakeCorpus {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	subjects := make([]models.Subject, 0, len(ids))
	for _, id := range ids {
		token := "ref-" + id
		subjects = append(subjects, models.Subject{
			ID:        id,
			Name:      "Subject " + id,
			PhotoURL:  "https://example.com/" + id + ".jpg",
			FaceToken: &token,
		})
	}
	return &fakeCorpus{subjects: subjects}
}

func refScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for id, score := range scores {
		out["ref-"+id] = score
	}
	return out
}
