package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/prefsync/internal/model"
)

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(model.APIError{IsError: true, Message: message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, "Internal server error")
}

// WriteError はドメインエラーを対応するステータスで書き込む。
//
// プロバイダーが返したエラーはステータスとボディをそのまま中継する。
// 分類できないエラーは500とし、詳細はログにのみ残す。
func WriteError(w http.ResponseWriter, err error) {
	var protocolErr *model.ProviderProtocolError
	if errors.As(err, &protocolErr) && len(protocolErr.Body) > 0 {
		ct := protocolErr.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(protocolErr.StatusCode)
		w.Write(protocolErr.Body)
		return
	}

	status := model.HTTPStatus(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("unhandled error", slog.String("error", err.Error()))
		WriteInternalServerError(w)
	case http.StatusUnauthorized:
		WriteErrorResponse(w, status, model.MsgUnauthorized)
	case http.StatusServiceUnavailable:
		slog.Warn("store unavailable", slog.String("error", err.Error()))
		message := "Service unavailable"
		var storeErr *model.StoreUnavailableError
		if errors.As(err, &storeErr) {
			message = storeErr.PublicMessage()
		}
		WriteErrorResponse(w, status, message)
	default:
		WriteErrorResponse(w, status, err.Error())
	}
}
