package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"lookalike/internal/models"
)

// ErrNotFound is returned when a job or subject does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of jobs and corpus subjects.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, session_id, status, progress, image_ref, thumb_ref, subject_token, error_message, is_public, share_code, matches, created_at, updated_at`

// CreateJob inserts a new processing job with progress zero and returns it.
func (s *Store) CreateJob(ctx context.Context, sessionID, imageRef string, thumbRef *string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, session_id, status, progress, image_ref, thumb_ref, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, FALSE, $6, $6)
	`, id, sessionID, models.StatusProcessing, imageRef, thumbRef, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		SessionID: sessionID,
		Status:    models.StatusProcessing,
		Progress:  0,
		ImageRef:  imageRef,
		ThumbRef:  thumbRef,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByShareCode fetches a published job by its share code.
func (s *Store) GetJobByShareCode(ctx context.Context, code string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE share_code = $1 AND is_public`, code)
	return scanJob(row)
}

// ListJobsBySession returns the session's jobs, most recent first.
func (s *Store) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateProgress raises the progress of a processing job. The GREATEST guard
// keeps observed progress monotone even if updates land out of order, and
// terminal jobs are never touched.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, progress, models.StatusProcessing)
	return err
}

// SetSubjectToken records the detected face token exactly once. A token that
// is already present is left untouched.
func (s *Store) SetSubjectToken(ctx context.Context, id, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET subject_token = $2, updated_at = NOW()
		WHERE id = $1 AND subject_token IS NULL
	`, id, token)
	return err
}

// MarkCompleted transitions a job to completed with its ranked matches and
// full progress.
func (s *Store) MarkCompleted(ctx context.Context, id string, matches []models.Match) error {
	matchesJSON, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("marshal matches: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 100, matches = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, matchesJSON, models.StatusProcessing)
	return err
}

// MarkFailed transitions a job to failed, resetting progress to zero and
// storing the message verbatim for status polling.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, progress = 0, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, message, models.StatusProcessing)
	return err
}

// PublishJob makes a completed job publicly visible under a share code. The
// first call claims the proposed code; later calls return the stored one.
func (s *Store) PublishJob(ctx context.Context, id, proposedCode string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET share_code = COALESCE(share_code, $2), is_public = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING share_code
	`, id, proposedCode, models.StatusCompleted).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return code, nil
}

// ListSubjects returns corpus subjects ordered by name for browsing.
func (s *Store) ListSubjects(ctx context.Context, limit, offset int) ([]models.Subject, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, photo_url, face_token, description, gender, nationality, birth_date, source, created_at
		FROM subjects ORDER BY name LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()
	return collectSubjects(rows)
}

// ListComparableSubjects returns every subject with a face token, i.e. the
// comparison corpus for a fanout.
func (s *Store) ListComparableSubjects(ctx context.Context) ([]models.Subject, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, photo_url, face_token, description, gender, nationality, birth_date, source, created_at
		FROM subjects WHERE face_token IS NOT NULL AND face_token <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("query comparable subjects: %w", err)
	}
	defer rows.Close()
	return collectSubjects(rows)
}

// CountComparableSubjects reports the corpus size available for comparison.
func (s *Store) CountComparableSubjects(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subjects WHERE face_token IS NOT NULL AND face_token <> ''
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subjects: %w", err)
	}
	return n, nil
}

// UpsertSubject inserts or refreshes a corpus subject. Used by the ingestion
// boundary; a NULL incoming face token never clears a stored one.
func (s *Store) UpsertSubject(ctx context.Context, subject models.Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subjects (id, name, photo_url, face_token, description, gender, nationality, birth_date, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			photo_url = EXCLUDED.photo_url,
			face_token = COALESCE(EXCLUDED.face_token, subjects.face_token),
			description = EXCLUDED.description,
			gender = EXCLUDED.gender,
			nationality = EXCLUDED.nationality,
			birth_date = EXCLUDED.birth_date,
			source = EXCLUDED.source
	`, subject.ID, subject.Name, subject.PhotoURL, subject.FaceToken, subject.Description,
		subject.Gender, subject.Nationality, subject.BirthDate, subject.Source)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var thumb, token, errMsg, shareCode pgtype.Text
	var matchesJSON []byte

	err := row.Scan(&job.ID, &job.SessionID, &job.Status, &job.Progress, &job.ImageRef,
		&thumb, &token, &errMsg, &job.IsPublic, &shareCode, &matchesJSON,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.ThumbRef = textPtr(thumb)
	job.SubjectToken = textPtr(token)
	job.ErrorMessage = textPtr(errMsg)
	job.ShareCode = textPtr(shareCode)
	if len(matchesJSON) > 0 {
		if err := json.Unmarshal(matchesJSON, &job.Matches); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal matches: %w", err)
		}
	}
	return job, nil
}

func collectSubjects(rows pgx.Rows) ([]models.Subject, error) {
	var subjects []models.Subject
	for rows.Next() {
		var subj models.Subject
		var token, desc, gender, nationality, birth, source pgtype.Text
		if err := rows.Scan(&subj.ID, &subj.Name, &subj.PhotoURL, &token, &desc,
			&gender, &nationality, &birth, &source, &subj.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subj.FaceToken = textPtr(token)
		subj.Description = textPtr(desc)
		subj.Gender = textPtr(gender)
		subj.Nationality = textPtr(nationality)
		subj.BirthDate = textPtr(birth)
		subj.Source = textPtr(source)
		subjects = append(subjects, subj)
	}
	return subjects, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
