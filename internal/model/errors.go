package model

import (
	"errors"
	"fmt"
)

// ErrorKind は業務エラーの分類。
type ErrorKind string

// 業務エラーの分類一覧。
const (
	KindValidation      ErrorKind = "validation"
	KindAuthentication  ErrorKind = "authentication"
	KindExternalService ErrorKind = "external_service"
	KindInfrastructure  ErrorKind = "infrastructure"
)

// AuthError は認証処理で発生する業務エラーを表す。
// Messageは利用者に返してよい固定文言で、原因の詳細はErrとReasonにのみ保持する。
type AuthError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // 利用者向けメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // 利用者向け対処方法
	Reason   string // ログ用の分類理由
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// AsAuthError はerrのチェーンからAuthErrorを取り出す。
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// IsKind はerrが指定した分類のAuthErrorかを返す。
func IsKind(err error, kind ErrorKind) bool {
	authErr, ok := AsAuthError(err)
	return ok && authErr.Kind == kind
}

// 定義済みエラーコード
const (
	ErrCodeTokenRequired      = "TOKEN_REQUIRED"
	ErrCodeTokenTooLong       = "TOKEN_TOO_LONG"
	ErrCodeInvalidTokenFormat = "INVALID_TOKEN_FORMAT"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeInvalidProvider    = "INVALID_PROVIDER"
	ErrCodeInvalidUser        = "INVALID_USER"
	ErrCodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	ErrCodeInfrastructure     = "INFRASTRUCTURE_ERROR"
	ErrCodeAuthentication     = "AUTHENTICATION_FAILED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// 利用者向けの固定メッセージ。
const (
	MsgTokenRequired      = "token required"
	MsgTokenTooLong       = "token size exceeds limit"
	MsgInvalidTokenFormat = "invalid token format"
	MsgInvalidToken       = "invalid token"
	MsgAuthentication     = "authentication failed"
	MsgExternalService    = "identity provider is temporarily unavailable"
	MsgInfrastructure     = "service is temporarily unavailable"
)

// NewTokenRequiredError はトークン未指定エラーを生成する。
func NewTokenRequiredError() *AuthError {
	return &AuthError{
		Kind:     KindValidation,
		Code:     ErrCodeTokenRequired,
		Message:  MsgTokenRequired,
		Category: "validation",
		Action:   "IDトークンを指定してください。",
		Reason:   "empty",
	}
}

// NewTokenTooLongError はトークン長超過エラーを生成する。
func NewTokenTooLongError() *AuthError {
	return &AuthError{
		Kind:     KindValidation,
		Code:     ErrCodeTokenTooLong,
		Message:  MsgTokenTooLong,
		Category: "validation",
		Action:   "正しいIDトークンを指定してください。",
		Reason:   "too_long",
	}
}

// NewInvalidTokenFormatError はトークン形式エラーを生成する。
func NewInvalidTokenFormatError() *AuthError {
	return &AuthError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidTokenFormat,
		Message:  MsgInvalidTokenFormat,
		Category: "validation",
		Action:   "正しいIDトークンを指定してください。",
		Reason:   "invalid_format",
	}
}

// NewInvalidTokenError は検証に失敗したトークンのエラーを生成する。
// 署名、有効期限、発行者のどれが原因かは利用者に開示しない。
func NewInvalidTokenError(cause error) *AuthError {
	return &AuthError{
		Kind:     KindAuthentication,
		Code:     ErrCodeInvalidToken,
		Message:  MsgInvalidToken,
		Category: "auth",
		Action:   "再度ログインしてください。",
		Reason:   "token_rejected",
		Err:      cause,
	}
}

// NewAuthenticationError は分類不能な失敗を含む認証エラーを生成する。
func NewAuthenticationError(reason string, cause error) *AuthError {
	return &AuthError{
		Kind:     KindAuthentication,
		Code:     ErrCodeAuthentication,
		Message:  MsgAuthentication,
		Category: "auth",
		Action:   "再度ログインしてください。",
		Reason:   reason,
		Err:      cause,
	}
}

// NewInvalidProviderError は未サポートのIdPエラーを生成する。
func NewInvalidProviderError(provider string) *AuthError {
	return &AuthError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidProvider,
		Message:  fmt.Sprintf("unsupported provider: %q", provider),
		Category: "validation",
		Action:   "サポートされているIdPでログインしてください。",
		Reason:   "invalid_provider",
	}
}

// NewInvalidUserError はユーザー属性の不変条件違反エラーを生成する。
func NewInvalidUserError(detail string) *AuthError {
	return &AuthError{
		Kind:     KindValidation,
		Code:     ErrCodeInvalidUser,
		Message:  "invalid user attributes",
		Category: "validation",
		Action:   "IdPに登録されているプロフィールを確認してください。",
		Reason:   detail,
	}
}

// NewExternalServiceError はIdP起因のエラーを生成する。
func NewExternalServiceError(reason string, cause error) *AuthError {
	return &AuthError{
		Kind:     KindExternalService,
		Code:     ErrCodeExternalService,
		Message:  MsgExternalService,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Reason:   reason,
		Err:      cause,
	}
}

// NewInfrastructureError はストレージやネットワーク起因のエラーを生成する。
func NewInfrastructureError(reason string, cause error) *AuthError {
	return &AuthError{
		Kind:     KindInfrastructure,
		Code:     ErrCodeInfrastructure,
		Message:  MsgInfrastructure,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Reason:   reason,
		Err:      cause,
	}
}

// NewUserNotFoundError は存在するはずのユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *AuthError {
	return &AuthError{
		Kind:     KindInfrastructure,
		Code:     ErrCodeUserNotFound,
		Message:  MsgInfrastructure,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Reason:   "user_not_found",
	}
}
