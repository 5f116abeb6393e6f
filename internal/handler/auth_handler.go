// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/jitauth/internal/auth"
	"github.com/hitoshi/jitauth/internal/middleware"
	"github.com/hitoshi/jitauth/internal/model"
)

// maxRequestBodySize はトークン送信リクエストのボディ上限。
const maxRequestBodySize = 64 << 10

// TokenAuthenticator は認証ハンドラーが必要とするユースケースのインターフェース。
// auth.Orchestratorが実装する。
type TokenAuthenticator interface {
	Execute(ctx context.Context, req *auth.AuthenticateRequest) (*model.AuthenticationResult, error)
}

// AuthHandler はIDトークンによるログインのHTTPハンドラー。
type AuthHandler struct {
	authenticator TokenAuthenticator
	logger        *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(authenticator TokenAuthenticator, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		authenticator: authenticator,
		logger:        logger,
	}
}

// tokenRequest はログインリクエストのボディ。
type tokenRequest struct {
	Token string `json:"token"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Provider    string     `json:"provider"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// authResponse はログイン成功時のAPIレスポンス。
type authResponse struct {
	User      userResponse `json:"user"`
	IsNewUser bool         `json:"is_new_user"`
}

// Authenticate はIDトークンを検証し、対応するユーザーを返す。未登録なら作成する。
// POST /auth/token
func (h *AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteAuthError(w, model.NewTokenTooLongError())
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.AuthError{
			Kind:     model.KindValidation,
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	result, err := h.authenticator.Execute(r.Context(), &auth.AuthenticateRequest{Token: req.Token})
	if err != nil {
		if authErr, ok := model.AsAuthError(err); ok {
			middleware.WriteAuthError(w, authErr)
			return
		}
		h.logger.Error("authentication returned untyped error")
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(authResponse{
		User:      toUserResponse(result.User),
		IsNewUser: result.IsNewUser,
	})
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		Provider:    u.Provider.String(),
		Email:       u.Email,
		Name:        u.Name,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}
