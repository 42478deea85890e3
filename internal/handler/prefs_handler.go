package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/repository"
)

// prefsEnvelope はプリファレンスAPIのボディ形式。
type prefsEnvelope struct {
	Preferences model.Preferences `json:"preferences"`
}

// PrefsHandler はPDSの認証済みプリファレンスストアのHTTPハンドラー。
// エッジプロキシのRelayGatewayから呼ばれる。
type PrefsHandler struct {
	prefs repository.PreferenceRepository
}

// NewPrefsHandler はPrefsHandlerを生成する。
func NewPrefsHandler(prefs repository.PreferenceRepository) *PrefsHandler {
	return &PrefsHandler{prefs: prefs}
}

// GetPrefs は認証済みユーザーのプリファレンスを返す。未保存の場合は空オブジェクト。
// GET /get_prefs
func (h *PrefsHandler) GetPrefs(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	prefs, err := h.prefs.FindByUserID(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, &model.StoreUnavailableError{Store: "preferences", Err: err})
		return
	}
	if prefs == nil {
		prefs = model.Preferences{}
	}

	writeJSON(w, http.StatusOK, prefsEnvelope{Preferences: prefs})
}

// SavePrefs はボディのpreferencesを保存し、受け取ったボディをそのまま返す。
// POST /save_prefs
func (h *PrefsHandler) SavePrefs(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		middleware.WriteError(w, model.NewInvalidBodyError(err.Error()))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	var env prefsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		middleware.WriteError(w, model.NewInvalidBodyError(err.Error()))
		return
	}
	if env.Preferences == nil {
		env.Preferences = model.Preferences{}
	}

	if err := h.prefs.Save(r.Context(), userID, env.Preferences); err != nil {
		middleware.WriteError(w, &model.StoreUnavailableError{Store: "preferences", Err: err})
		return
	}

	writeRaw(w, http.StatusOK, "application/json", body)
}
