package models

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type AuthResponse struct {
	Token TokenResponse `json:"token"`
	User  User          `json:"user"`
}

type CreatePatientRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Age         int    `json:"age"`
	Diagnosis   string `json:"diagnosis,omitempty"`
	ParentEmail string `json:"parent_email,omitempty"`
}

type AssignPatientRequest struct {
	ChildID string `json:"child_id"`
}

type UpdateProfileRequest struct {
	LicenseNumber   string   `json:"license_number"`
	Specializations []string `json:"specializations"`
	Hospital        string   `json:"hospital,omitempty"`
	YearsExperience int      `json:"years_experience"`
}

type ResolveAlertRequest struct {
	AlertID string `json:"alert_id"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
	Code      string `json:"code,omitempty"`
}
