// Package store is the Postgres-backed data store for biometric readings,
// alerts, emotion records and user profiles. Change notifications ride on
// LISTEN/NOTIFY (see notify.go); row triggers are installed by the
// migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"luminova/backend/internal/models"
)

const queryTimeout = 5 * time.Second

var (
	ErrNotFound = errors.New("not found")

	// ErrStore marks any failed store operation so callers can branch on
	// the category rather than the driver error.
	ErrStore = errors.New("store operation failed")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

type Store struct {
	db  *sql.DB
	dsn string
}

// New wraps an open database handle. dsn is kept for the dedicated
// notification connections.
func New(db *sql.DB, dsn string) *Store {
	return &Store{db: db, dsn: dsn}
}

func (s *Store) SaveBiometric(ctx context.Context, childID string, b models.BiometricSample) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO biometric_data (child_id, heart_rate, stress_level, skin_temperature, activity, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		childID, b.HeartRate, b.StressLevel, b.SkinTemperature, b.Activity, b.Timestamp,
	)
	if err != nil {
		return storeErr("save biometric reading", err)
	}
	return nil
}

// BiometricHistory returns up to limit recent readings, newest first.
func (s *Store) BiometricHistory(ctx context.Context, childID string, limit int) ([]models.BiometricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT heart_rate, stress_level, skin_temperature, activity, timestamp
		 FROM biometric_data WHERE child_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		childID, limit,
	)
	if err != nil {
		return nil, storeErr("query biometric history", err)
	}
	defer rows.Close()

	var samples []models.BiometricSample
	for rows.Next() {
		var b models.BiometricSample
		if err := rows.Scan(&b.HeartRate, &b.StressLevel, &b.SkinTemperature, &b.Activity, &b.Timestamp); err != nil {
			return nil, storeErr("scan biometric reading", err)
		}
		samples = append(samples, b)
	}
	return samples, rows.Err()
}

// LatestBiometric returns the most recent reading, or nil when the child
// has none yet.
func (s *Store) LatestBiometric(ctx context.Context, childID string) (*models.BiometricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var b models.BiometricSample
	err := s.db.QueryRowContext(ctx,
		`SELECT heart_rate, stress_level, skin_temperature, activity, timestamp
		 FROM biometric_data WHERE child_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		childID,
	).Scan(&b.HeartRate, &b.StressLevel, &b.SkinTemperature, &b.Activity, &b.Timestamp)

	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, storeErr("query latest biometric reading", err)
	}
	return &b, nil
}

func (s *Store) SaveAlert(ctx context.Context, a models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO biometric_alerts (id, child_id, type, severity, message, timestamp, resolved, action_taken)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ChildID, a.Type, a.Severity, a.Message, a.Timestamp, a.Resolved, a.ActionTaken,
	)
	if err != nil {
		return storeErr("save alert", err)
	}
	return nil
}

// Alerts returns every alert for a child, newest first.
func (s *Store) Alerts(ctx context.Context, childID string) ([]models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, child_id, type, severity, message, timestamp, resolved, action_taken
		 FROM biometric_alerts WHERE child_id = $1 ORDER BY timestamp DESC`,
		childID,
	)
	if err != nil {
		return nil, storeErr("query alerts", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.ChildID, &a.Type, &a.Severity, &a.Message, &a.Timestamp, &a.Resolved, &a.ActionTaken); err != nil {
			return nil, storeErr("scan alert", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks the alert resolved. Resolving an alert that is
// already resolved, or unknown, is a no-op.
func (s *Store) ResolveAlert(ctx context.Context, alertID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE biometric_alerts SET resolved = TRUE WHERE id = $1`,
		alertID,
	)
	if err != nil {
		return storeErr("resolve alert", err)
	}
	return nil
}

func (s *Store) SaveEmotion(ctx context.Context, e models.EmotionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO emotion_records (child_id, emotion, intensity, timestamp, triggers, context)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ChildID, e.Emotion, e.Intensity, e.Timestamp, textArray(e.Triggers), e.Context,
	)
	if err != nil {
		return storeErr("save emotion record", err)
	}
	return nil
}

// EmotionHistory returns up to limit recent emotion records, newest first.
func (s *Store) EmotionHistory(ctx context.Context, childID string, limit int) ([]models.EmotionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT child_id, emotion, intensity, timestamp, triggers, context
		 FROM emotion_records WHERE child_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		childID, limit,
	)
	if err != nil {
		return nil, storeErr("query emotion history", err)
	}
	defer rows.Close()

	var records []models.EmotionRecord
	for rows.Next() {
		var e models.EmotionRecord
		var triggers stringArray
		if err := rows.Scan(&e.ChildID, &e.Emotion, &e.Intensity, &e.Timestamp, &triggers, &e.Context); err != nil {
			return nil, storeErr("scan emotion record", err)
		}
		e.Triggers = triggers.elements()
		records = append(records, e)
	}
	return records, rows.Err()
}
