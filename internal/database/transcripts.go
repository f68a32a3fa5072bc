package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/grabadora/internal/engine"
)

// Transcript job states. Legal transitions:
// queued → running, running → completed, running → failed, queued → failed.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when a row does not exist or is owned by
	// someone else. Ownership misses are indistinguishable on purpose.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status update would violate
	// the job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transcript is a catalog row for one transcription job.
type Transcript struct {
	ID              string           `json:"id"`
	OwnerID         int              `json:"owner_id"`
	JobID           string           `json:"job_id"`
	Title           string           `json:"title"`
	Language        string           `json:"language,omitempty"`
	Status          string           `json:"status"`
	QualityProfile  string           `json:"quality_profile"`
	AudioKey        string           `json:"audio_key"`
	TranscriptKey   string           `json:"transcript_key,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
	Segments        []engine.Segment `json:"segments"`
	Tags            []string         `json:"tags"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// TranscriptFilter narrows ListTranscripts.
type TranscriptFilter struct {
	Search string // matched against title, case-insensitive
	Status string
	Limit  int
	Offset int
}

const transcriptColumns = `id, owner_id, job_id, title, language, status, quality_profile,
	audio_key, transcript_key, duration_seconds, segments, tags, error_message,
	created_at, updated_at, completed_at`

func scanTranscript(row pgx.Row) (*Transcript, error) {
	var t Transcript
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.JobID, &t.Title, &t.Language, &t.Status, &t.QualityProfile,
		&t.AudioKey, &t.TranscriptKey, &t.DurationSeconds, &t.Segments, &t.Tags,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Segments == nil {
		t.Segments = []engine.Segment{}
	}
	return &t, nil
}

// CreateTranscript inserts a new catalog row in the queued state.
func (db *DB) CreateTranscript(ctx context.Context, t *Transcript) error {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcripts (id, owner_id, job_id, title, language, quality_profile, audio_key, tags, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued')
		RETURNING status, created_at, updated_at
	`, t.ID, t.OwnerID, t.JobID, t.Title, t.Language, t.QualityProfile, t.AudioKey, t.Tags).
		Scan(&t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// GetTranscript returns a row owned by ownerID.
func (db *DB) GetTranscript(ctx context.Context, ownerID int, id string) (*Transcript, error) {
	return scanTranscript(db.Pool.QueryRow(ctx, `
		SELECT `+transcriptColumns+`
		FROM transcripts
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID))
}

// GetTranscriptByJobID returns a row by its queue job id, regardless of owner.
// Callers that serve user requests must check ownership themselves.
func (db *DB) GetTranscriptByJobID(ctx context.Context, jobID string) (*Transcript, error) {
	return scanTranscript(db.Pool.QueryRow(ctx, `
		SELECT `+transcriptColumns+`
		FROM transcripts
		WHERE job_id = $1
	`, jobID))
}

// ListTranscripts returns rows owned by ownerID, newest first.
func (db *DB) ListTranscripts(ctx context.Context, ownerID int, filter TranscriptFilter) ([]Transcript, int, error) {
	where := "WHERE owner_id = $1"
	args := []any{ownerID}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		where += fmt.Sprintf(" AND (title ILIKE $%d OR language ILIKE $%d"+
			" OR EXISTS (SELECT 1 FROM unnest(tags) tag WHERE tag ILIKE $%d))", n, n, n)
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM transcripts "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM transcripts
		%s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d
	`, transcriptColumns, where, limit, offset), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []Transcript{}
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *t)
	}
	return result, total, rows.Err()
}

// MarkRunning moves a queued job to running.
func (db *DB) MarkRunning(ctx context.Context, jobID string) error {
	return db.transition(ctx, jobID, StatusRunning, []string{StatusQueued}, `
		UPDATE transcripts SET status = 'running', updated_at = now()
		WHERE job_id = $1 AND status = ANY($2)
	`)
}

// MarkCompleted moves a running job to completed and records the artifacts.
// completed_at is set only here and by InsertCompleted, so it is non-null
// exactly for completed rows.
func (db *DB) MarkCompleted(ctx context.Context, jobID, transcriptKey, language string, duration float64, segments []engine.Segment) error {
	if segments == nil {
		segments = []engine.Segment{}
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcripts SET
			status = 'completed',
			transcript_key = $2,
			language = $3,
			duration_seconds = $4,
			segments = $5,
			error_message = '',
			updated_at = now(),
			completed_at = now()
		WHERE job_id = $1 AND status = 'running'
	`, jobID, transcriptKey, language, duration, segments)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, jobID, StatusCompleted)
	}
	return nil
}

// MarkFailed moves a queued or running job to failed.
func (db *DB) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcripts SET status = 'failed', error_message = $2, updated_at = now()
		WHERE job_id = $1 AND status = ANY($3)
	`, jobID, errMsg, []string{StatusQueued, StatusRunning})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, jobID, StatusFailed)
	}
	return nil
}

// InsertCompleted inserts a row directly in the completed state. Used by live
// session finalization, which never passes through the queue.
func (db *DB) InsertCompleted(ctx context.Context, t *Transcript) error {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Segments == nil {
		t.Segments = []engine.Segment{}
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcripts (id, owner_id, job_id, title, language, quality_profile,
			audio_key, transcript_key, duration_seconds, segments, tags, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'completed', now())
		RETURNING status, created_at, updated_at, completed_at
	`, t.ID, t.OwnerID, t.JobID, t.Title, t.Language, t.QualityProfile,
		t.AudioKey, t.TranscriptKey, t.DurationSeconds, t.Segments, t.Tags).
		Scan(&t.Status, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert completed transcript: %w", err)
	}
	return nil
}

// DeleteTranscript removes a row owned by ownerID and returns it so the
// caller can clean up stored artifacts.
func (db *DB) DeleteTranscript(ctx context.Context, ownerID int, id string) (*Transcript, error) {
	return scanTranscript(db.Pool.QueryRow(ctx, `
		DELETE FROM transcripts
		WHERE id = $1 AND owner_id = $2
		RETURNING `+transcriptColumns+`
	`, id, ownerID))
}

func (db *DB) transition(ctx context.Context, jobID, target string, from []string, query string) error {
	tag, err := db.Pool.Exec(ctx, query, jobID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.transitionError(ctx, jobID, target)
	}
	return nil
}

// transitionError distinguishes a missing row from an illegal transition.
func (db *DB) transitionError(ctx context.Context, jobID, target string) error {
	var current string
	err := db.Pool.QueryRow(ctx, `SELECT status FROM transcripts WHERE job_id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, current, target, jobID)
}
