package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	CreateSession(w, 42)
	res := w.Result()
	cookies := res.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie got %d", len(cookies))
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	uid, ok := ParseSession(req)
	if !ok || uid != 42 {
		t.Fatalf("expected uid 42 got %d ok=%v", uid, ok)
	}
}

func TestParseSessionRejectsTamperedCookie(t *testing.T) {
	w := httptest.NewRecorder()
	CreateSession(w, 7)
	c := w.Result().Cookies()[0]
	// swap the user id but keep the signature
	c.Value = "8." + c.Value[2:]
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	if _, ok := ParseSession(req); ok {
		t.Fatalf("tampered cookie must not parse")
	}
}

func TestRequireWithoutSession(t *testing.T) {
	h := Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/crm/contacts", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}

func TestRequireVerifierRejectsDeletedUser(t *testing.T) {
	SetUserVerifier(func(_ context.Context, uid uint) bool { return false })
	defer SetUserVerifier(nil)
	h := Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), 5))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}
