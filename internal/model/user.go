// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Provider は外部IdPの種別を表す。
type Provider string

// サポートする外部IdP。
const (
	ProviderGoogle    Provider = "google"
	ProviderApple     Provider = "apple"
	ProviderMicrosoft Provider = "microsoft"
	ProviderGitHub    Provider = "github"
	ProviderFacebook  Provider = "facebook"
	ProviderLine      Provider = "line"
)

// Providers はサポートする全IdPを定義順に返す。
func Providers() []Provider {
	return []Provider{
		ProviderGoogle,
		ProviderApple,
		ProviderMicrosoft,
		ProviderGitHub,
		ProviderFacebook,
		ProviderLine,
	}
}

// Valid はサポート対象のIdPかを返す。
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderApple, ProviderMicrosoft, ProviderGitHub, ProviderFacebook, ProviderLine:
		return true
	}
	return false
}

// String は文字列表現を返す。
func (p Provider) String() string {
	return string(p)
}

// ParseProvider は外部から受け取った文字列をProviderに変換する。
// 大文字小文字と前後の空白は無視する。
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", NewInvalidProviderError(s)
	}
	return p, nil
}

// ユーザー属性の上限値。
const (
	MaxExternalIDLength = 255
	MaxEmailLength      = 255
	MaxNameLength       = 100
	MaxAvatarURLLength  = 500
)

// User はサービス利用ユーザーを表す。
// (ExternalID, Provider) の組はグローバルに一意。
type User struct {
	ID          string
	ExternalID  string
	Provider    Provider
	Email       string
	Name        string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// NewUserParams はNewUserの入力。
type NewUserParams struct {
	ID         string
	ExternalID string
	Provider   Provider
	Email      string
	Name       string
	AvatarURL  *string
	Now        time.Time
}

// NewUser は不変条件を検証した上でUserを生成する。
// CreatedAtとUpdatedAtは同一時刻、LastLoginAtは未設定になる。
func NewUser(p NewUserParams) (*User, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, NewInvalidUserError("id is required")
	}
	if err := ValidateExternalID(p.ExternalID); err != nil {
		return nil, err
	}
	if !p.Provider.Valid() {
		return nil, NewInvalidProviderError(string(p.Provider))
	}
	if err := ValidateEmail(p.Email); err != nil {
		return nil, err
	}
	if err := ValidateName(p.Name); err != nil {
		return nil, err
	}
	if p.AvatarURL != nil {
		if err := ValidateAvatarURL(*p.AvatarURL); err != nil {
			return nil, err
		}
	}

	now := p.Now.UTC()
	return &User{
		ID:         p.ID,
		ExternalID: p.ExternalID,
		Provider:   p.Provider,
		Email:      p.Email,
		Name:       p.Name,
		AvatarURL:  p.AvatarURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// ValidateExternalID はIdP側のユーザーIDの有無と長さを検証する。
func ValidateExternalID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewInvalidUserError("external id is required")
	}
	if utf8.RuneCountInString(id) > MaxExternalIDLength {
		return NewInvalidUserError(fmt.Sprintf("external id exceeds %d characters", MaxExternalIDLength))
	}
	return nil
}

// ValidateEmail はメールアドレスの形式と長さを検証する。
func ValidateEmail(email string) error {
	if email == "" {
		return NewInvalidUserError("email is required")
	}
	if len(email) > MaxEmailLength {
		return NewInvalidUserError(fmt.Sprintf("email exceeds %d characters", MaxEmailLength))
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return NewInvalidUserError("email format is invalid")
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || !strings.Contains(email[at+1:], ".") {
		return NewInvalidUserError("email format is invalid")
	}
	return nil
}

// ValidateName は表示名を検証する。
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewInvalidUserError("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return NewInvalidUserError(fmt.Sprintf("name exceeds %d characters", MaxNameLength))
	}
	return nil
}

// ValidateAvatarURL はアバターURLを検証する。http/httpsの絶対URLのみ許可する。
func ValidateAvatarURL(raw string) error {
	if len(raw) > MaxAvatarURLLength {
		return NewInvalidUserError(fmt.Sprintf("avatar url exceeds %d characters", MaxAvatarURLLength))
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return NewInvalidUserError("avatar url format is invalid")
	}
	return nil
}

// UserUpdate はユーザーの部分更新内容。nilのフィールドは変更しない。
type UserUpdate struct {
	Email       *string
	Name        *string
	AvatarURL   *string
	UpdatedAt   *time.Time
	LastLoginAt *time.Time
}

// ExternalIdentity はIdPのクレームを正規化した外部アイデンティティ。
// リクエスト単位で生成され、直接永続化はされない。
type ExternalIdentity struct {
	ID        string
	Provider  Provider
	Email     string
	Name      string
	AvatarURL *string
}

// TokenClaims は検証済みトークンのクレーム。
type TokenClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Issuer        string
	Audience      []string
	IssuedAt      int64
	ExpiresAt     int64
	Provider      Provider
}

// AuthenticationResult は認証ユースケースの結果。
// IsNewUserはこのリクエストでユーザーが作成された場合に限りtrueになる。
type AuthenticationResult struct {
	User      *User
	IsNewUser bool
}
