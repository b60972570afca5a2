package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/mdobak/go-xerrors"

	"luminova/backend/internal/logger"
	"luminova/backend/internal/models"
)

const (
	channelBiometrics = "luminova_biometrics"
	channelAlerts     = "luminova_alerts"
)

// SubscribeBiometrics delivers newly inserted readings for childID until
// ctx is cancelled. Each subscription holds its own dedicated connection.
func (s *Store) SubscribeBiometrics(ctx context.Context, childID string, fn func(models.BiometricSample)) error {
	return s.listen(ctx, channelBiometrics, func(payload string) {
		id, sample, err := parseBiometricNotification(payload)
		if err != nil {
			logger.Get().WarnContext(ctx, "bad biometric notification", slog.Any("error", xerrors.New(err)))
			return
		}
		if id == childID {
			fn(sample)
		}
	})
}

// SubscribeAlerts delivers newly inserted alerts for childID until ctx is
// cancelled.
func (s *Store) SubscribeAlerts(ctx context.Context, childID string, fn func(models.Alert)) error {
	return s.listen(ctx, channelAlerts, func(payload string) {
		alert, err := parseAlertNotification(payload)
		if err != nil {
			logger.Get().WarnContext(ctx, "bad alert notification", slog.Any("error", xerrors.New(err)))
			return
		}
		if alert.ChildID == childID {
			fn(alert)
		}
	})
}

func (s *Store) listen(ctx context.Context, channel string, fn func(payload string)) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return storeErr("open notification connection", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(ctx)
		return storeErr("listen on "+channel, err)
	}

	go func() {
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				// ctx cancelled or connection gone; either way the
				// subscription is over
				if ctx.Err() == nil {
					logger.Get().ErrorContext(ctx, "notification connection lost",
						slog.String("channel", channel), slog.Any("error", xerrors.New(err)))
				}
				return
			}
			fn(n.Payload)
		}
	}()

	return nil
}

// biometricRow mirrors the row_to_json payload of biometric_data.
type biometricRow struct {
	ChildID         string  `json:"child_id"`
	HeartRate       int     `json:"heart_rate"`
	StressLevel     string  `json:"stress_level"`
	SkinTemperature float64 `json:"skin_temperature"`
	Activity        string  `json:"activity"`
	Timestamp       string  `json:"timestamp"`
}

// alertRow mirrors the row_to_json payload of biometric_alerts.
type alertRow struct {
	ID          string `json:"id"`
	ChildID     string `json:"child_id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Resolved    bool   `json:"resolved"`
	ActionTaken string `json:"action_taken"`
}

func parseBiometricNotification(payload string) (string, models.BiometricSample, error) {
	var row biometricRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return "", models.BiometricSample{}, fmt.Errorf("decode biometric payload: %w", err)
	}
	if row.ChildID == "" {
		return "", models.BiometricSample{}, fmt.Errorf("biometric payload missing child_id")
	}
	ts, err := parsePGTime(row.Timestamp)
	if err != nil {
		return "", models.BiometricSample{}, err
	}
	return row.ChildID, models.BiometricSample{
		HeartRate:       row.HeartRate,
		StressLevel:     models.StressLevel(row.StressLevel),
		SkinTemperature: row.SkinTemperature,
		Activity:        models.Activity(row.Activity),
		Timestamp:       ts,
	}, nil
}

func parseAlertNotification(payload string) (models.Alert, error) {
	var row alertRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return models.Alert{}, fmt.Errorf("decode alert payload: %w", err)
	}
	if row.ID == "" || row.ChildID == "" {
		return models.Alert{}, fmt.Errorf("alert payload missing id or child_id")
	}
	ts, err := parsePGTime(row.Timestamp)
	if err != nil {
		return models.Alert{}, err
	}
	return models.Alert{
		ID:          row.ID,
		ChildID:     row.ChildID,
		Type:        models.AlertType(row.Type),
		Severity:    models.AlertSeverity(row.Severity),
		Message:     row.Message,
		Timestamp:   ts,
		Resolved:    row.Resolved,
		ActionTaken: row.ActionTaken,
	}, nil
}

// parsePGTime handles the ISO 8601 timestamps row_to_json emits, with or
// without fractional seconds.
func parsePGTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999-07"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}
