package models

import "time"

type Role string

const (
	RolePsychologist Role = "psychologist"
	RoleChild        Role = "child"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	Avatar       string    `json:"avatar,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Psychologist struct {
	User
	LicenseNumber   string   `json:"license_number"`
	Specializations []string `json:"specializations"`
	Hospital        string   `json:"hospital,omitempty"`
	YearsExperience int      `json:"years_experience"`
}

// ChildPreferences is the typed replacement for the untyped preferences
// blob the store used to carry.
type ChildPreferences struct {
	FavoriteColor  string `json:"favorite_color,omitempty"`
	FavoriteAvatar string `json:"favorite_avatar,omitempty"`
	SoundVolume    int    `json:"sound_volume"`
	ReducedMotion  bool   `json:"reduced_motion"`
}

type Child struct {
	User
	Age                  int              `json:"age"`
	Diagnosis            string           `json:"diagnosis,omitempty"`
	ParentEmail          string           `json:"parent_email,omitempty"`
	AssignedPsychologist string           `json:"assigned_psychologist,omitempty"`
	CurrentEmotion       string           `json:"current_emotion,omitempty"`
	Preferences          ChildPreferences `json:"preferences"`
}

type StressLevel string

const (
	StressLow    StressLevel = "low"
	StressMedium StressLevel = "medium"
	StressHigh   StressLevel = "high"
)

type Activity string

const (
	ActivityResting  Activity = "resting"
	ActivityActive   Activity = "active"
	ActivityExcited  Activity = "excited"
	ActivityAgitated Activity = "agitated"
)

// BiometricSample is one vital-sign reading for a child.
type BiometricSample struct {
	HeartRate       int         `json:"heart_rate"`
	StressLevel     StressLevel `json:"stress_level"`
	SkinTemperature float64     `json:"skin_temperature"`
	Activity        Activity    `json:"activity"`
	Timestamp       time.Time   `json:"timestamp"`
}

type AlertType string

const (
	AlertHighStress        AlertType = "high_stress"
	AlertRapidHeartRate    AlertType = "rapid_heartrate"
	AlertEmotionalDistress AlertType = "emotional_distress"
	AlertInactivity        AlertType = "inactivity"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a derived event raised by the telemetry evaluator. Resolved is
// mutated only through an explicit resolve action; alerts never expire on
// their own.
type Alert struct {
	ID          string        `json:"id"`
	ChildID     string        `json:"child_id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	Resolved    bool          `json:"resolved"`
	ActionTaken string        `json:"action_taken,omitempty"`
}

// EmotionRecord is a persisted emotion observation for a child, written by
// the session agent when the expression stream reports a detection.
type EmotionRecord struct {
	ChildID   string    `json:"child_id"`
	Emotion   string    `json:"emotion"`
	Intensity int       `json:"intensity"`
	Timestamp time.Time `json:"timestamp"`
	Triggers  []string  `json:"triggers,omitempty"`
	Context   string    `json:"context,omitempty"`
}
