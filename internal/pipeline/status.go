package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"lookalike/internal/models"
	"lookalike/internal/store"
)

var (
	// ErrForbidden means the requester owns neither the session nor a valid
	// public claim on the job.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means the job does not exist (or is not published, for
	// share-code lookups).
	ErrNotFound = errors.New("job not found")
	// ErrNotReady means publish was requested before the job completed.
	ErrNotReady = errors.New("job is not completed yet")
)

// Query answers read-side questions about jobs with access control. It never
// mutates job state except for the explicit Publish action.
type Query struct {
	store JobStore
}

func NewQuery(st JobStore) *Query {
	return &Query{store: st}
}

// GetStatus returns the job if the requester may see it: either the request
// claims public access and the job is published, or the session matches the
// job owner. Stateless and side-effect-free.
func (q *Query) GetStatus(ctx context.Context, jobID, requesterSession string, publicRequest bool) (models.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, translate(err)
	}

	if publicRequest && job.IsPublic {
		return job, nil
	}
	if requesterSession != "" && requesterSession == job.SessionID {
		return job, nil
	}
	return models.Job{}, ErrForbidden
}

// History returns the session's jobs, most recent first.
func (q *Query) History(ctx context.Context, sessionID string, limit int) ([]models.Job, error) {
	if sessionID == "" {
		return nil, ErrForbidden
	}
	return q.store.ListJobsBySession(ctx, sessionID, limit)
}

// Publish makes a completed, session-owned job publicly shareable and
// returns its share code. Repeated calls return the same code.
func (q *Query) Publish(ctx context.Context, jobID, requesterSession string) (string, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", translate(err)
	}
	if requesterSession == "" || requesterSession != job.SessionID {
		return "", ErrForbidden
	}
	if job.Status != models.StatusCompleted {
		return "", ErrNotReady
	}

	code, err := q.store.PublishJob(ctx, jobID, newShareCode())
	if err != nil {
		return "", translate(err)
	}
	return code, nil
}

// Resolve looks up a published job by its share code.
func (q *Query) Resolve(ctx context.Context, shareCode string) (models.Job, error) {
	job, err := q.store.GetJobByShareCode(ctx, shareCode)
	if err != nil {
		return models.Job{}, translate(err)
	}
	return job, nil
}

func translate(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// newShareCode mints a short opaque code. Uniqueness is enforced by the
// store's unique constraint; collisions at this length are not a practical
// concern for the corpus sizes involved.
func newShareCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}
