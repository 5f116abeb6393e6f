// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/jitauth/internal/model"
)

// ErrDuplicateUser は (external_id, provider) の一意制約に違反した場合に返される。
// 元のドライバーエラーはラップされて保持される。
var ErrDuplicateUser = errors.New("user already exists for external id and provider")

// UserRepository はユーザーデータの永続化インターフェース。
// 実装は複数goroutineから同時に利用できなければならない。
type UserRepository interface {
	// FindByExternalID はexternal_idとproviderでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.User, error)

	// Create はユーザーを作成し、永続化されたレコードを返す。
	// 一意制約違反の場合はErrDuplicateUserをラップしたエラーを返す。
	Create(ctx context.Context, user *model.User) (*model.User, error)

	// Update は指定IDのユーザーを部分更新し、更新後のレコードを返す。
	// 見つからない場合はnilを返す。
	Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。
	// 複数IdPで同じメールが登録されている場合は最も古いユーザーを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// Pinger は接続確認用のインターフェース。ヘルスチェックで使用する。
type Pinger interface {
	PingContext(ctx context.Context) error
}
