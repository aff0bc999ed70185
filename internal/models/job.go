package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Both completed and failed are
// terminal; a job never leaves them once set.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Match is one ranked comparison result against a corpus subject.
type Match struct {
	SubjectID   string  `json:"subject_id"`
	SubjectName string  `json:"subject_name,omitempty"`
	PhotoURL    string  `json:"photo_url,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// Job represents one submitted comparison request and its tracked state.
type Job struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	ImageRef     string    `json:"image_ref"`
	ThumbRef     *string   `json:"thumb_ref,omitempty"`
	SubjectToken *string   `json:"-"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	IsPublic     bool      `json:"is_public"`
	ShareCode    *string   `json:"share_code,omitempty"`
	Matches      []Match   `json:"matches,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// BestMatch returns the highest-ranked match, if any.
func (j Job) BestMatch() *Match {
	if len(j.Matches) == 0 {
		return nil
	}
	return &j.Matches[0]
}

// Subject is a reference corpus entry. Subjects without a FaceToken cannot
// participate in comparisons.
type Subject struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhotoURL    string    `json:"photo_url"`
	FaceToken   *string   `json:"-"`
	Description *string   `json:"description,omitempty"`
	Gender      *string   `json:"gender,omitempty"`
	Nationality *string   `json:"nationality,omitempty"`
	BirthDate   *string   `json:"birth_date,omitempty"`
	Source      *string   `json:"source,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Comparable reports whether the subject can be used in a fanout.
func (s Subject) Comparable() bool {
	return s.FaceToken != nil && *s.FaceToken != ""
}
