package store

import (
	"testing"
	"time"

	"luminova/backend/internal/models"
)

func TestParseBiometricNotification(t *testing.T) {
	payload := `{"id":12,"child_id":"c0a80121-0001-0001-0001-000000000001","heart_rate":91,` +
		`"stress_level":"medium","skin_temperature":36.7,"activity":"active",` +
		`"timestamp":"2026-08-30T10:15:04.123456+00:00"}`

	childID, sample, err := parseBiometricNotification(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if childID != "c0a80121-0001-0001-0001-000000000001" {
		t.Errorf("childID = %q", childID)
	}
	if sample.HeartRate != 91 || sample.StressLevel != models.StressMedium || sample.Activity != models.ActivityActive {
		t.Errorf("sample = %+v", sample)
	}
	want := time.Date(2026, 8, 30, 10, 15, 4, 123456000, time.UTC)
	if !sample.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", sample.Timestamp, want)
	}
}

func TestParseBiometricNotificationMissingChild(t *testing.T) {
	if _, _, err := parseBiometricNotification(`{"heart_rate":80,"timestamp":"2026-08-30T10:15:04+00:00"}`); err == nil {
		t.Error("expected error for payload without child_id")
	}
}

func TestParseAlertNotification(t *testing.T) {
	payload := `{"id":"0b5d1d8e-8f2a-4a44-9d3a-1c2f3e4a5b6c","child_id":"child-1","type":"high_stress",` +
		`"severity":"high","message":"Nivel de estrés elevado detectado",` +
		`"timestamp":"2026-08-30T10:15:04+00:00","resolved":false,"action_taken":""}`

	alert, err := parseAlertNotification(payload)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if alert.Type != models.AlertHighStress || alert.Severity != models.SeverityHigh {
		t.Errorf("alert = %+v", alert)
	}
	if alert.Resolved {
		t.Error("new alerts must arrive unresolved")
	}
}

func TestParseAlertNotificationGarbage(t *testing.T) {
	if _, err := parseAlertNotification(`not json`); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}

func TestParsePGTimeShortOffset(t *testing.T) {
	ts, err := parsePGTime("2026-08-30T10:15:04.5+00")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ts.UTC().Hour() != 10 {
		t.Errorf("hour = %d", ts.UTC().Hour())
	}
}
