package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError はエラーレスポンスの統一フォーマットを表す。
type APIError struct {
	IsError bool   `json:"isError"`
	Message string `json:"message"`
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return e.Message
}

// 固定メッセージ
const (
	MsgMissingCode      = "Request missing authorization code"
	MsgProviderDenied   = "The user does not approve the request. Error: "
	MsgDatabaseNotReady = "Database is not ready"
	MsgUnauthorized     = "Unauthorized"
)

// ErrUnauthorized はクレデンシャルが欠落・不正・期限切れのいずれかであることを示す。
// どのケースかは区別しない。
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError はクライアントが修正可能なリクエスト入力の不備を表す。
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewMissingCodeError は認可コード欠落エラーを生成する。
func NewMissingCodeError() *ValidationError {
	return &ValidationError{Status: http.StatusForbidden, Message: MsgMissingCode}
}

// NewUnknownProviderError は未登録プロバイダーエラーを生成する。
func NewUnknownProviderError(provider string) *ValidationError {
	return &ValidationError{
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("Unknown SSO provider: %s", provider),
	}
}

// NewInvalidBodyError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidBodyError(reason string) *ValidationError {
	return &ValidationError{
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("Invalid request body: %s", reason),
	}
}

// ProviderDeniedError はユーザーまたはIdPが認可を拒否したことを表す。
type ProviderDeniedError struct {
	Reason string
}

func (e *ProviderDeniedError) Error() string {
	return MsgProviderDenied + e.Reason
}

// ProviderStage はプロバイダー呼び出しの段階。
type ProviderStage string

const (
	StageTokenExchange ProviderStage = "token_exchange"
	StageProfileFetch  ProviderStage = "profile_fetch"
)

// ProviderProtocolError はIdPが非2xxを返した、または呼び出しが失敗したことを表す。
// StatusCodeとBodyはプロバイダーのレスポンスをそのまま保持する。
type ProviderProtocolError struct {
	Stage       ProviderStage
	StatusCode  int
	ContentType string
	Body        []byte
	Err         error
}

func (e *ProviderProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed with status %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Stage, e.StatusCode, string(e.Body))
}

func (e *ProviderProtocolError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError はバッキングストアに到達できないことを表す。
// 時間をおいて再試行してよい。
type StoreUnavailableError struct {
	Store string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// PublicMessage はクライアントに返すメッセージ。下位エラーの詳細は含めない。
func (e *StoreUnavailableError) PublicMessage() string {
	if e.Store == "" {
		return "Store is not available"
	}
	return strings.ToUpper(e.Store[:1]) + e.Store[1:] + " store is not available"
}

// HTTPStatus はエラーに対応するHTTPステータスコードを返す。
// 分類できないエラーは500とする。
func HTTPStatus(err error) int {
	var (
		validationErr *ValidationError
		deniedErr     *ProviderDeniedError
		protocolErr   *ProviderProtocolError
		storeErr      *StoreUnavailableError
	)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &validationErr):
		return validationErr.Status
	case errors.As(err, &deniedErr):
		return http.StatusForbidden
	case errors.As(err, &protocolErr):
		return protocolErr.StatusCode
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
