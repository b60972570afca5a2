// Integration smoke test against a running server. Skipped unless
// LUMINOVA_TEST_API points at a base URL, e.g.
//
//	LUMINOVA_TEST_API=http://localhost:8081 go test ./tests/integration/
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"luminova/backend/internal/models"
)

func baseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("LUMINOVA_TEST_API")
	if url == "" {
		t.Skip("LUMINOVA_TEST_API not set, skipping integration test")
	}
	return url
}

func TestHealthEndpoint(t *testing.T) {
	url := baseURL(t)

	resp, err := http.Get(url + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d, want 200", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestRegisterLoginFlow(t *testing.T) {
	url := baseURL(t)
	client := &http.Client{Timeout: 10 * time.Second}

	email := fmt.Sprintf("it-%d@clinic.test", time.Now().UnixNano())
	reg, err := json.Marshal(models.RegisterRequest{
		Name:     "Integration Tester",
		Email:    email,
		Password: "prueba1234",
		Role:     models.RolePsychologist,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Post(url+"/api/auth/register", "application/json", bytes.NewReader(reg))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d", resp.StatusCode)
	}
	var auth models.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if auth.Token.AccessToken == "" {
		t.Fatal("no access token in register response")
	}

	req, _ := http.NewRequest(http.MethodGet, url+"/api/patients", nil)
	req.Header.Set("Authorization", "Bearer "+auth.Token.AccessToken)
	listResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("patients request failed: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Errorf("patients = %d, want 200", listResp.StatusCode)
	}
}
