// Package handlers is the REST surface: authentication, patient roster
// management and read access to the telemetry the monitors persist.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"
	"golang.org/x/crypto/bcrypt"

	"luminova/backend/internal/config"
	"luminova/backend/internal/logger"
	"luminova/backend/internal/models"
	"luminova/backend/internal/services"
	"luminova/backend/internal/store"
)

// Store is the slice of the data store the REST surface consumes.
type Store interface {
	CreateUser(ctx context.Context, u models.User) error
	CreateChild(ctx context.Context, c models.Child) error
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, id string) (*models.User, error)
	PsychologistByID(ctx context.Context, id string) (*models.Psychologist, error)
	UpdatePsychologist(ctx context.Context, p models.Psychologist) error
	PatientsForPsychologist(ctx context.Context, psychologistID string) ([]models.Child, error)
	AssignChild(ctx context.Context, childID, psychologistID string) error
	BiometricHistory(ctx context.Context, childID string, limit int) ([]models.BiometricSample, error)
	LatestBiometric(ctx context.Context, childID string) (*models.BiometricSample, error)
	Alerts(ctx context.Context, childID string) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, alertID string) error
	EmotionHistory(ctx context.Context, childID string, limit int) ([]models.EmotionRecord, error)
}

type API struct {
	store    Store
	log      *slog.Logger
	metrics  *services.Metrics
	secret   []byte
	tokenTTL time.Duration
	origins  []string
	env      string
}

func NewAPI(st Store, cfg *config.Config) *API {
	return &API{
		store:    st,
		log:      logger.Get(),
		metrics:  services.GetMetrics(),
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: cfg.TokenTTL,
		origins:  strings.Split(cfg.CORSOrigins, ","),
		env:      cfg.Environment,
	}
}

// Routes registers every REST endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/register", a.cors(a.Register))
	mux.HandleFunc("/api/auth/login", a.cors(a.Login))
	mux.HandleFunc("/api/auth/me", a.cors(a.requireAuth(a.Me)))

	mux.HandleFunc("/api/profile", a.cors(a.requireAuth(a.Profile, models.RolePsychologist)))

	mux.HandleFunc("/api/patients", a.cors(a.requireAuth(a.Patients, models.RolePsychologist)))
	mux.HandleFunc("/api/patients/assign", a.cors(a.requireAuth(a.AssignPatient, models.RolePsychologist)))

	mux.HandleFunc("/api/biometrics", a.cors(a.requireAuth(a.Biometrics)))
	mux.HandleFunc("/api/biometrics/latest", a.cors(a.requireAuth(a.LatestBiometric)))
	mux.HandleFunc("/api/alerts", a.cors(a.requireAuth(a.Alerts)))
	mux.HandleFunc("/api/alerts/resolve", a.cors(a.requireAuth(a.ResolveAlert, models.RolePsychologist)))
	mux.HandleFunc("/api/emotions", a.cors(a.requireAuth(a.Emotions)))

	mux.HandleFunc("/api/health", a.cors(a.Health))
	mux.HandleFunc("/api/metrics", a.cors(a.Metrics))
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) bool {
	return emailRegex.MatchString(email) && len(email) <= 255
}

func validatePassword(password string) bool {
	if len(password) < 8 || len(password) > 72 {
		return false
	}
	hasLetter := false
	hasNumber := false
	for _, char := range password {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			hasLetter = true
		}
		if char >= '0' && char <= '9' {
			hasNumber = true
		}
	}
	return hasLetter && hasNumber
}

func validateName(name string) bool {
	name = strings.TrimSpace(name)
	return len(name) >= 2 && len(name) <= 100
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *API) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.origins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg, code string) {
	a.writeJSON(w, status, models.ErrorResponse{
		Error:     msg,
		Timestamp: time.Now().Unix(),
		Code:      code,
	})
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key")
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", "validation")
		return
	}

	if req.Email == "" || req.Password == "" || req.Name == "" {
		a.writeError(w, http.StatusBadRequest, "Name, email and password are required", "validation")
		return
	}
	if !validateEmail(req.Email) {
		a.writeError(w, http.StatusBadRequest, "Invalid email format", "validation")
		return
	}
	if !validatePassword(req.Password) {
		a.writeError(w, http.StatusBadRequest, "Password must be 8-72 characters with at least one letter and one number", "validation")
		return
	}
	if !validateName(req.Name) {
		a.writeError(w, http.StatusBadRequest, "Name must be 2-100 characters", "validation")
		return
	}
	role := req.Role
	if role == "" {
		role = models.RolePsychologist
	}
	if role != models.RolePsychologist && role != models.RoleChild {
		a.writeError(w, http.StatusBadRequest, "Unknown role", "validation")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		a.log.Error("password hashing failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		Email:        req.Email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	user.UpdatedAt = user.CreatedAt

	if err := a.store.CreateUser(r.Context(), user); err != nil {
		if isUniqueViolation(err) {
			a.writeError(w, http.StatusConflict, "Email already registered", "conflict")
			return
		}
		a.log.Error("registration failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	token, err := a.issueToken(&user)
	if err != nil {
		a.log.Error("token signing failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	a.log.Info("user registered", slog.String("email", user.Email), slog.String("role", string(user.Role)))
	a.writeJSON(w, http.StatusCreated, models.AuthResponse{
		Token: models.TokenResponse{AccessToken: token, TokenType: "bearer"},
		User:  user,
	})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", "validation")
		return
	}
	if req.Email == "" || req.Password == "" {
		a.writeError(w, http.StatusBadRequest, "Email and password are required", "validation")
		return
	}

	user, err := a.store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusUnauthorized, "Invalid email or password", "unauthorized")
		return
	} else if err != nil {
		a.log.Error("login lookup failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		a.writeError(w, http.StatusUnauthorized, "Invalid email or password", "unauthorized")
		return
	}

	token, err := a.issueToken(user)
	if err != nil {
		a.log.Error("token signing failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	a.log.Info("user logged in", slog.String("email", user.Email))
	a.writeJSON(w, http.StatusOK, models.AuthResponse{
		Token: models.TokenResponse{AccessToken: token, TokenType: "bearer"},
		User:  *user,
	})
}

func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	user, err := a.store.UserByID(r.Context(), claimsFrom(r).Subject)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "User not found", "not_found")
		return
	} else if err != nil {
		a.log.Error("user lookup failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}

// Profile serves the authenticated psychologist's professional profile:
// read on GET, replace the editable fields on PUT.
func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getProfile(w, r)
	case http.MethodPut:
		a.updateProfile(w, r)
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
	}
}

func (a *API) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := a.store.PsychologistByID(r.Context(), claimsFrom(r).Subject)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Profile not found", "not_found")
		return
	} else if err != nil {
		a.log.Error("profile lookup failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	a.writeJSON(w, http.StatusOK, profile)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", "validation")
		return
	}
	if req.YearsExperience < 0 || req.YearsExperience > 60 {
		a.writeError(w, http.StatusBadRequest, "Years of experience must be between 0 and 60", "validation")
		return
	}

	err := a.store.UpdatePsychologist(r.Context(), models.Psychologist{
		User:            models.User{ID: claimsFrom(r).Subject},
		LicenseNumber:   strings.TrimSpace(req.LicenseNumber),
		Specializations: req.Specializations,
		Hospital:        strings.TrimSpace(req.Hospital),
		YearsExperience: req.YearsExperience,
	})
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Profile not found", "not_found")
		return
	} else if err != nil {
		a.log.Error("profile update failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	profile, err := a.store.PsychologistByID(r.Context(), claimsFrom(r).Subject)
	if err != nil {
		a.log.Error("profile reload failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	a.writeJSON(w, http.StatusOK, profile)
}

// Patients lists the caller's assigned children on GET and creates a new
// child profile on POST.
func (a *API) Patients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listPatients(w, r)
	case http.MethodPost:
		a.createPatient(w, r)
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
	}
}

func (a *API) listPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := a.store.PatientsForPsychologist(r.Context(), claimsFrom(r).Subject)
	if err != nil {
		a.log.Error("listing patients failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	if patients == nil {
		patients = []models.Child{}
	}
	a.writeJSON(w, http.StatusOK, patients)
}

func (a *API) createPatient(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", "validation")
		return
	}
	if !validateName(req.Name) || !validateEmail(req.Email) || !validatePassword(req.Password) {
		a.writeError(w, http.StatusBadRequest, "Invalid name, email or password", "validation")
		return
	}
	if req.Age < 0 || req.Age > 18 {
		a.writeError(w, http.StatusBadRequest, "Age must be between 0 and 18", "validation")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		a.log.Error("password hashing failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	now := time.Now()
	child := models.Child{
		User: models.User{
			ID:           uuid.NewString(),
			Name:         strings.TrimSpace(req.Name),
			Email:        req.Email,
			Role:         models.RoleChild,
			PasswordHash: hash,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Age:                  req.Age,
		Diagnosis:            req.Diagnosis,
		ParentEmail:          req.ParentEmail,
		AssignedPsychologist: claimsFrom(r).Subject,
	}

	if err := a.store.CreateChild(r.Context(), child); err != nil {
		if isUniqueViolation(err) {
			a.writeError(w, http.StatusConflict, "Email already registered", "conflict")
			return
		}
		a.log.Error("creating patient failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}

	a.log.Info("patient created",
		slog.String("child_id", child.ID),
		slog.String("psychologist_id", child.AssignedPsychologist))
	a.writeJSON(w, http.StatusCreated, child)
}

func (a *API) AssignPatient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	var req models.AssignPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChildID == "" {
		a.writeError(w, http.StatusBadRequest, "child_id is required", "validation")
		return
	}

	err := a.store.AssignChild(r.Context(), req.ChildID, claimsFrom(r).Subject)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, "Child not found", "not_found")
		return
	} else if err != nil {
		a.log.Error("assigning patient failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) childIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	childID := r.URL.Query().Get("child_id")
	if childID == "" {
		a.writeError(w, http.StatusBadRequest, "child_id is required", "validation")
		return "", false
	}
	return childID, true
}

func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func (a *API) Biometrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	childID, ok := a.childIDParam(w, r)
	if !ok {
		return
	}

	samples, err := a.store.BiometricHistory(r.Context(), childID, limitParam(r, 100, 1000))
	if err != nil {
		a.log.Error("biometric history query failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	if samples == nil {
		samples = []models.BiometricSample{}
	}
	a.writeJSON(w, http.StatusOK, samples)
}

func (a *API) LatestBiometric(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	childID, ok := a.childIDParam(w, r)
	if !ok {
		return
	}

	sample, err := a.store.LatestBiometric(r.Context(), childID)
	if err != nil {
		a.log.Error("latest biometric query failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	if sample == nil {
		a.writeError(w, http.StatusNotFound, "No readings yet", "not_found")
		return
	}
	a.writeJSON(w, http.StatusOK, sample)
}

func (a *API) Alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	childID, ok := a.childIDParam(w, r)
	if !ok {
		return
	}

	alerts, err := a.store.Alerts(r.Context(), childID)
	if err != nil {
		a.log.Error("alerts query failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	if r.URL.Query().Get("active") == "true" {
		active := []models.Alert{}
		for _, alert := range alerts {
			if !alert.Resolved {
				active = append(active, alert)
			}
		}
		alerts = active
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	a.writeJSON(w, http.StatusOK, alerts)
}

func (a *API) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}

	var req models.ResolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AlertID == "" {
		a.writeError(w, http.StatusBadRequest, "alert_id is required", "validation")
		return
	}

	if err := a.store.ResolveAlert(r.Context(), req.AlertID); err != nil {
		a.log.Error("resolving alert failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	a.metrics.AlertResolved()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Emotions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	childID, ok := a.childIDParam(w, r)
	if !ok {
		return
	}

	records, err := a.store.EmotionHistory(r.Context(), childID, limitParam(r, 10, 500))
	if err != nil {
		a.log.Error("emotion history query failed", slog.Any("error", xerrors.New(err)))
		a.writeError(w, http.StatusInternalServerError, "Internal server error", "internal")
		return
	}
	if records == nil {
		records = []models.EmotionRecord{}
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"environment": a.env,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "method_not_allowed")
		return
	}
	a.writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}
