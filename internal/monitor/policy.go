package monitor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"luminova/backend/internal/models"
)

// AlertPolicy inspects the current reading plus the recent window and
// decides whether to raise an alert. A nil return means no alert this
// tick.
type AlertPolicy interface {
	Evaluate(childID string, current models.BiometricSample, recent []models.BiometricSample) *models.Alert
}

var alertMessages = map[models.AlertType]string{
	models.AlertHighStress:        "Nivel de estrés elevado detectado",
	models.AlertRapidHeartRate:    "Frecuencia cardíaca por encima del rango normal",
	models.AlertEmotionalDistress: "Indicadores de malestar emocional",
	models.AlertInactivity:        "Período prolongado de inactividad detectado",
}

func newAlert(childID string, typ models.AlertType, severity models.AlertSeverity, now time.Time) *models.Alert {
	return &models.Alert{
		ID:        uuid.NewString(),
		ChildID:   childID,
		Type:      typ,
		Severity:  severity,
		Message:   alertMessages[typ],
		Timestamp: now,
		Resolved:  false,
	}
}

// ThresholdPolicy raises alerts from explicit vital-sign thresholds over
// the recent window. Each alert type has a cooldown so a sustained
// condition raises once, not once per tick.
type ThresholdPolicy struct {
	// RapidHeartRate is the sustained bpm bound for rapid_heartrate.
	RapidHeartRate int

	// CriticalHeartRate upgrades rapid_heartrate to critical severity.
	CriticalHeartRate int

	// RestingHeartRate is the upper bpm bound counting as inactivity.
	RestingHeartRate int

	// SustainedTicks is how many consecutive readings must match before
	// heart-rate or stress alerts fire.
	SustainedTicks int

	// InactivityTicks is how many consecutive resting readings count as
	// prolonged inactivity.
	InactivityTicks int

	// Cooldown is the minimum gap between alerts of the same type.
	Cooldown time.Duration

	mu       sync.Mutex
	lastFire map[models.AlertType]time.Time
}

func NewThresholdPolicy() *ThresholdPolicy {
	return &ThresholdPolicy{
		RapidHeartRate:    120,
		CriticalHeartRate: 135,
		RestingHeartRate:  70,
		SustainedTicks:    3,
		InactivityTicks:   6,
		Cooldown:          2 * time.Minute,
	}
}

func (p *ThresholdPolicy) Evaluate(childID string, current models.BiometricSample, recent []models.BiometricSample) *models.Alert {
	now := current.Timestamp

	if p.sustained(recent, p.SustainedTicks, func(s models.BiometricSample) bool {
		return s.HeartRate >= p.RapidHeartRate
	}) {
		severity := models.SeverityHigh
		if current.HeartRate >= p.CriticalHeartRate {
			severity = models.SeverityCritical
		}
		if a := p.fire(childID, models.AlertRapidHeartRate, severity, now); a != nil {
			return a
		}
	}

	if p.sustained(recent, p.SustainedTicks, func(s models.BiometricSample) bool {
		return s.StressLevel == models.StressHigh
	}) {
		if a := p.fire(childID, models.AlertHighStress, models.SeverityHigh, now); a != nil {
			return a
		}
	}

	if current.Activity == models.ActivityAgitated && current.HeartRate >= 110 {
		if a := p.fire(childID, models.AlertEmotionalDistress, models.SeverityMedium, now); a != nil {
			return a
		}
	}

	if p.sustained(recent, p.InactivityTicks, func(s models.BiometricSample) bool {
		return s.Activity == models.ActivityResting && s.HeartRate <= p.RestingHeartRate
	}) {
		if a := p.fire(childID, models.AlertInactivity, models.SeverityLow, now); a != nil {
			return a
		}
	}

	return nil
}

// sustained reports whether the newest n readings all match.
func (p *ThresholdPolicy) sustained(recent []models.BiometricSample, n int, match func(models.BiometricSample) bool) bool {
	if len(recent) < n {
		return false
	}
	for _, s := range recent[len(recent)-n:] {
		if !match(s) {
			return false
		}
	}
	return true
}

func (p *ThresholdPolicy) fire(childID string, typ models.AlertType, severity models.AlertSeverity, now time.Time) *models.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastFire == nil {
		p.lastFire = make(map[models.AlertType]time.Time)
	}
	if last, ok := p.lastFire[typ]; ok && now.Sub(last) < p.Cooldown {
		return nil
	}
	p.lastFire[typ] = now
	return newAlert(childID, typ, severity, now)
}

// RandomPolicy reproduces the original demo behavior: a small independent
// chance per tick of raising a random alert. Kept for demo parity; the
// ThresholdPolicy is the default.
type RandomPolicy struct {
	// Probability of an alert per tick; 0.05 when zero.
	Probability float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomPolicy(probability float64) *RandomPolicy {
	if probability <= 0 {
		probability = 0.05
	}
	return &RandomPolicy{
		Probability: probability,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var (
	alertTypes      = []models.AlertType{models.AlertHighStress, models.AlertRapidHeartRate, models.AlertEmotionalDistress, models.AlertInactivity}
	alertSeverities = []models.AlertSeverity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
)

func (p *RandomPolicy) Evaluate(childID string, current models.BiometricSample, _ []models.BiometricSample) *models.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.rnd.Float64() >= p.Probability {
		return nil
	}
	typ := alertTypes[p.rnd.Intn(len(alertTypes))]
	severity := alertSeverities[p.rnd.Intn(len(alertSeverities))]
	return newAlert(childID, typ, severity, current.Timestamp)
}
