package auth

import (
	"regexp"
	"strings"
)

// DefaultMaxTokenLength はトークン長の既定上限（バイト）。
const DefaultMaxTokenLength = 2048

// FailureReason は構造検証の失敗理由。
type FailureReason string

// 構造検証の失敗理由一覧。
const (
	FailureEmpty         FailureReason = "EMPTY"
	FailureTooLong       FailureReason = "TOO_LONG"
	FailureInvalidFormat FailureReason = "INVALID_FORMAT"
)

// header.payload.signature。署名部は空でもよい。
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)

// TokenValidationResult は構造検証の結果。
type TokenValidationResult struct {
	IsValid       bool
	ErrorMessage  string
	FailureReason FailureReason
}

// StructuralTokenValidator は暗号検証の前に行う軽量なトークン形状チェック。
// 状態を持たないため複数goroutineから同時に利用できる。
type StructuralTokenValidator struct {
	maxLength int
}

// NewStructuralTokenValidator はStructuralTokenValidatorを生成する。
// maxLengthが0以下の場合はDefaultMaxTokenLengthを使う。
func NewStructuralTokenValidator(maxLength int) *StructuralTokenValidator {
	if maxLength <= 0 {
		maxLength = DefaultMaxTokenLength
	}
	return &StructuralTokenValidator{maxLength: maxLength}
}

// MaxLength は適用中の上限を返す。
func (v *StructuralTokenValidator) MaxLength() int {
	return v.maxLength
}

// ValidateStructure は空、長さ、形式の順に検査し、最初の失敗で打ち切る。
func (v *StructuralTokenValidator) ValidateStructure(token string) TokenValidationResult {
	if strings.TrimSpace(token) == "" {
		return TokenValidationResult{ErrorMessage: "token required", FailureReason: FailureEmpty}
	}
	// 正規表現より先に長さで弾く
	if len(token) > v.maxLength {
		return TokenValidationResult{ErrorMessage: "token size exceeds limit", FailureReason: FailureTooLong}
	}
	if !tokenPattern.MatchString(token) {
		return TokenValidationResult{ErrorMessage: "invalid token format", FailureReason: FailureInvalidFormat}
	}
	return TokenValidationResult{IsValid: true}
}
