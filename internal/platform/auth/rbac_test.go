package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func roleContext(e *echo.Echo, role string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if role != "" {
		c.Set(AuthContextKey, &AuthContext{UserID: uuid.New(), Role: role})
	}
	return c
}

func TestRequireRole_AllowsListedRole(t *testing.T) {
	e := echo.New()
	called := false
	handler := func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	}

	err := RequireRole("doctor", "lab_technician")(handler)(roleContext(e, "lab_technician"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequireRole_AdminBypassesGate(t *testing.T) {
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	if err := RequireRole("doctor")(handler)(roleContext(e, "admin")); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_RejectsOtherRole(t *testing.T) {
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	err := RequireRole("doctor", "receptionist")(handler)(roleContext(e, "lab_technician"))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	msg, _ := httpErr.Message.(string)
	if !strings.Contains(msg, "doctor or receptionist") {
		t.Errorf("expected listed roles in message, got %q", msg)
	}
}

func TestRequireRole_RejectsMissingIdentity(t *testing.T) {
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	err := RequireRole("doctor")(handler)(roleContext(e, ""))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
