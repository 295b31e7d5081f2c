// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

package authz

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mfedyk/labtrail/internal/models"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "ana@lab.example",
		"name":  "Ana",
		"role":  models.RoleTechnician,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret)

	id, err := v.Verify(signToken(t, testSecret, validClaims()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user-1" || id.Role != models.RoleTechnician {
		t.Errorf("Verify() = %+v, want user-1/technician", id)
	}
	if id.Email != "ana@lab.example" || id.Name != "Ana" {
		t.Errorf("Verify() dropped profile claims: %+v", id)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewVerifier(testSecret)

	wrongSecret := signToken(t, "other-secret", validClaims())
	if _, err := v.Verify(wrongSecret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: error = %v, want ErrInvalidToken", err)
	}

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	if _, err := v.Verify(signToken(t, testSecret, expired)); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired: error = %v, want ErrExpiredToken", err)
	}

	noSub := validClaims()
	delete(noSub, "sub")
	if _, err := v.Verify(signToken(t, testSecret, noSub)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing sub: error = %v, want ErrInvalidToken", err)
	}

	badRole := validClaims()
	badRole["role"] = "superuser"
	if _, err := v.Verify(signToken(t, testSecret, badRole)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown role: error = %v, want ErrInvalidToken", err)
	}

	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: error = %v, want ErrInvalidToken", err)
	}
}

func TestAllow(t *testing.T) {
	tests := []struct {
		name     string
		role     string
		required []string
		want     bool
	}{
		{"admin passes any check", models.RoleAdmin, []string{models.RoleManager}, true},
		{"listed role passes", models.RoleManager, []string{models.RoleManager}, true},
		{"unlisted role fails", models.RoleTechnician, []string{models.RoleManager}, false},
		{"guest always fails", models.RoleGuest, nil, false},
		{"empty role always fails", "", nil, false},
		{"no requirement admits any signed-in role", models.RoleTechnician, nil, true},
		{"system counts as signed in", models.RoleSystem, nil, true},
		{"unknown role fails open check", "superuser", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allow(tt.role, tt.required...); got != tt.want {
				t.Errorf("Allow(%q, %v) = %v, want %v", tt.role, tt.required, got, tt.want)
			}
		})
	}
}

func TestIsAnonymous(t *testing.T) {
	if !(Identity{}).IsAnonymous() {
		t.Error("zero identity should be anonymous")
	}
	if !(Identity{UserID: "u1", Role: models.RoleGuest}).IsAnonymous() {
		t.Error("guest should be anonymous")
	}
	if (Identity{UserID: "u1", Role: models.RoleTechnician}).IsAnonymous() {
		t.Error("technician should not be anonymous")
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret)

	var gotID Identity
	var called bool
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotID, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid header token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !called {
			t.Fatal("handler not called")
		}
		if gotID.UserID != "user-1" {
			t.Errorf("identity = %+v, want user-1", gotID)
		}
	})

	t.Run("cookie fallback", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "token", Value: signToken(t, testSecret, validClaims())})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if !called {
			t.Fatal("handler not called with cookie token")
		}
	})

	t.Run("missing token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if called {
			t.Error("handler called without token")
		}
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("called=%v status=%d, want uncalled 401", called, rec.Code)
		}
	})
}
