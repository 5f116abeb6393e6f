// Package auth はIDトークンによる認証とJITユーザープロビジョニングを提供する。
package auth

import (
	"context"

	"github.com/hitoshi/jitauth/internal/model"
)

// VerifyResult はIDトークン検証の結果。
// Errorは検証失敗の内部理由で、利用者には返さない。
type VerifyResult struct {
	Valid  bool
	Claims *model.TokenClaims
	Error  string
}

// IdentityProvider はIDトークンの暗号検証と外部IDの正規化を行う外部IdPのインターフェース。
// 実装は複数goroutineから同時に利用できなければならない。
type IdentityProvider interface {
	// Verify はトークンを検証する。通信障害などの場合のみerrorを返す。
	Verify(ctx context.Context, token string) (*VerifyResult, error)
	// Normalize は検証済みクレームをExternalIdentityに変換する。
	Normalize(ctx context.Context, claims *model.TokenClaims) (*model.ExternalIdentity, error)
}
