package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T, ex TokenExchanger, adminSecret string) (*echo.Echo, *Service, *InMemoryRepo) {
	t.Helper()
	svc, repo := newTestService(t, ex, ServiceConfig{})
	e := echo.New()
	NewHandler(svc, adminSecret).RegisterRoutes(e.Group("/api/v1"))
	return e, svc, repo
}

func doRequest(e *echo.Echo, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLoginEndpoint(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ex := &fakeExchanger{passwordResp: &TokenResponse{
			AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600,
		}}
		e, _, _ := newTestHandler(t, ex, "")

		rec := doRequest(e, http.MethodPost, "/api/v1/edm/login",
			`{"username":"u","password":"p"}`, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		var resp LoginResult
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.ID == uuid.Nil {
			t.Error("response must carry the credential id")
		}
		if strings.Contains(rec.Body.String(), "cipher") {
			t.Error("response must not leak token material")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		e, _, _ := newTestHandler(t, &fakeExchanger{}, "")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/login", `{"username":"u"}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("invalid credentials", func(t *testing.T) {
		ex := &fakeExchanger{passwordErr: &GrantError{Status: 401, Body: "nope"}}
		e, _, _ := newTestHandler(t, ex, "")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/login",
			`{"username":"u","password":"wrong"}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("upstream outage", func(t *testing.T) {
		ex := &fakeExchanger{passwordErr: &GrantError{Status: 503, Body: "maintenance"}}
		e, _, _ := newTestHandler(t, ex, "")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/login",
			`{"username":"u","password":"p"}`, nil)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("no refresh token from upstream", func(t *testing.T) {
		ex := &fakeExchanger{passwordResp: &TokenResponse{AccessToken: "at", ExpiresIn: 60}}
		e, _, _ := newTestHandler(t, ex, "")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/login",
			`{"username":"u","password":"p"}`, nil)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestAdminSecretGuard(t *testing.T) {
	t.Run("disabled when unconfigured", func(t *testing.T) {
		e, _, _ := newTestHandler(t, &fakeExchanger{}, "")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/sweep", "", nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		e, _, _ := newTestHandler(t, &fakeExchanger{}, "topsecret")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/sweep", "",
			map[string]string{"X-Admin-Secret": "guess"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("header secret", func(t *testing.T) {
		e, _, _ := newTestHandler(t, &fakeExchanger{}, "topsecret")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/sweep", "",
			map[string]string{"X-Admin-Secret": "topsecret"})
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bearer secret", func(t *testing.T) {
		e, _, _ := newTestHandler(t, &fakeExchanger{}, "topsecret")
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/sweep", "",
			map[string]string{echo.HeaderAuthorization: "Bearer topsecret"})
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestSweepEndpoint(t *testing.T) {
	ex := &fakeExchanger{refreshResp: &TokenResponse{AccessToken: "at", ExpiresIn: 3600}}
	e, svc, repo := newTestHandler(t, ex, "s")

	cred := seedCredential(t, svc, repo, "rt-1", "", time.Time{})
	if _, err := repo.RecordFailure(context.Background(), cred.ID, time.Now().Add(-3*time.Hour)); err != nil {
		t.Fatalf("force due: %v", err)
	}

	rec := doRequest(e, http.MethodPost, "/api/v1/edm/sweep", "",
		map[string]string{"X-Admin-Secret": "s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Swept   int           `json:"swept"`
		Results []SweepResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Swept != 1 || len(resp.Results) != 1 || !resp.Results[0].OK {
		t.Errorf("unexpected sweep response %+v", resp)
	}
}

func TestListCredentialsEndpoint(t *testing.T) {
	ex := &fakeExchanger{}
	e, svc, repo := newTestHandler(t, ex, "s")
	seedCredential(t, svc, repo, "rt-1", "at", time.Now().Add(time.Hour))

	rec := doRequest(e, http.MethodGet, "/api/v1/edm/credentials", "",
		map[string]string{"X-Admin-Secret": "s"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "cipher") || strings.Contains(body, "rt-1") {
		t.Error("metadata listing must not expose token material")
	}
	var resp struct {
		Total       int        `json:"total"`
		Credentials []Metadata `json:"credentials"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Credentials) != 1 {
		t.Errorf("unexpected listing %+v", resp)
	}
}

func TestRevokeEndpoint(t *testing.T) {
	ex := &fakeExchanger{}
	e, svc, repo := newTestHandler(t, ex, "s")
	cred := seedCredential(t, svc, repo, "rt-1", "", time.Time{})

	t.Run("revokes", func(t *testing.T) {
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/credentials/"+cred.ID.String()+"/revoke", "",
			map[string]string{"X-Admin-Secret": "s"})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		stored, err := repo.GetByID(context.Background(), cred.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !stored.Revoked {
			t.Error("credential should be revoked")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/credentials/"+uuid.NewString()+"/revoke", "",
			map[string]string{"X-Admin-Secret": "s"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := doRequest(e, http.MethodPost, "/api/v1/edm/credentials/not-a-uuid/revoke", "",
			map[string]string{"X-Admin-Secret": "s"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
