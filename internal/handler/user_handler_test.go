package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
)

func TestUserHandler_Withdraw_Success(t *testing.T) {
	withdrawCalled := false
	svc := &mockUserService{
		withdrawFn: func(ctx context.Context, userID string) error {
			withdrawCalled = true
			if userID != "user-123" {
				t.Errorf("userID = %q, want %q", userID, "user-123")
			}
			return nil
		},
	}

	h := NewUserHandler(svc, &mockRevoker{})

	w := httptest.NewRecorder()
	h.Withdraw(w, withUserID(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "user-123"))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !withdrawCalled {
		t.Error("expected Withdraw to be called")
	}
}

func TestUserHandler_Withdraw_NoUserID_ReturnsUnauthorized(t *testing.T) {
	h := NewUserHandler(&mockUserService{}, &mockRevoker{})

	w := httptest.NewRecorder()
	h.Withdraw(w, httptest.NewRequest(http.MethodDelete, "/api/users/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUserHandler_Withdraw_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"user gone", fmt.Errorf("user user-123: %w", model.ErrUnauthorized), http.StatusUnauthorized},
		{"store down", &model.StoreUnavailableError{Store: "token", Err: errors.New("down")}, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockUserService{
				withdrawFn: func(ctx context.Context, userID string) error { return tt.err },
			}
			w := httptest.NewRecorder()
			NewUserHandler(svc, &mockRevoker{}).Withdraw(w, withUserID(httptest.NewRequest(http.MethodDelete, "/api/users/me", nil), "user-123"))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestUserHandler_Logout_RevokesBearerToken(t *testing.T) {
	revoker := &mockRevoker{}
	h := NewUserHandler(&mockUserService{}, revoker)
	handler := middleware.NewBearerMiddleware(tokenValidator{"tok-1": "user-1"})(http.HandlerFunc(h.Logout))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(revoker.revoked) != 1 || revoker.revoked[0] != "tok-1" {
		t.Errorf("revoked = %v, want [tok-1]", revoker.revoked)
	}
}

func TestUserHandler_Logout_StoreFailure_Returns503(t *testing.T) {
	revoker := &mockRevoker{err: &model.StoreUnavailableError{Store: "token", Err: errors.New("down")}}
	h := NewUserHandler(&mockUserService{}, revoker)
	handler := middleware.NewBearerMiddleware(tokenValidator{"tok-1": "user-1"})(http.HandlerFunc(h.Logout))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
