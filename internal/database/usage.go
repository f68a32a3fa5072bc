package database

import (
	"context"
	"time"
)

// UsageMeter aggregates transcription consumption per user per month.
type UsageMeter struct {
	ID                   int       `json:"id"`
	UserID               int       `json:"user_id"`
	Month                string    `json:"month"`
	TranscriptionSeconds float64   `json:"transcription_seconds"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AddUsage accumulates seconds onto the user's meter for the given month
// (format "2006-01"). Upsert keyed on (user_id, month).
func (db *DB) AddUsage(ctx context.Context, userID int, month string, seconds float64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO usage_meters (user_id, month, transcription_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, month) DO UPDATE SET
			transcription_seconds = usage_meters.transcription_seconds + EXCLUDED.transcription_seconds,
			updated_at = now()
	`, userID, month, seconds)
	return err
}

// GetUsage returns the meter for one month, or a zero meter if none exists.
func (db *DB) GetUsage(ctx context.Context, userID int, month string) (*UsageMeter, error) {
	m := &UsageMeter{UserID: userID, Month: month}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, transcription_seconds, updated_at
		FROM usage_meters
		WHERE user_id = $1 AND month = $2
	`, userID, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&m.ID, &m.TranscriptionSeconds, &m.UpdatedAt); err != nil {
			return nil, err
		}
	}
	return m, rows.Err()
}
