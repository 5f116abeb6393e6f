package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/hitoshi/jitauth/internal/model"
)

const sqliteUserColumns = `id, external_id, provider, email, name, avatar_url, created_at, updated_at, last_login_at`

// SQLiteUserRepo はSQLiteを使用したユーザーリポジトリ。
// 時刻はUTCのUnixミリ秒で保存する。
type SQLiteUserRepo struct {
	db *sql.DB
}

// NewSQLiteUserRepo はSQLiteUserRepoを生成する。
func NewSQLiteUserRepo(db *sql.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// FindByExternalID はexternal_idとproviderでユーザーを検索する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE external_id = ? AND provider = ?`,
		externalID, string(provider),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external ID: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// (external_id, provider) が既に存在する場合はErrDuplicateUserを返す。
func (r *SQLiteUserRepo) Create(ctx context.Context, user *model.User) (*model.User, error) {
	var lastLogin sql.NullInt64
	if user.LastLoginAt != nil {
		lastLogin = sql.NullInt64{Int64: toMillis(*user.LastLoginAt), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, provider, email, name, avatar_url, created_at, updated_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.ExternalID, string(user.Provider), user.Email, user.Name,
		nullString(user.AvatarURL), toMillis(user.CreatedAt), toMillis(user.UpdatedAt), lastLogin,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %w", ErrDuplicateUser, err)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	created, err := r.FindByID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("inserted user %s not found", user.ID)
	}
	return created, nil
}

// Update は指定IDのユーザーを部分更新する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error) {
	sets, args := buildUserUpdate(update,
		func(int) string { return "?" },
		func(t time.Time) any { return toMillis(t) },
	)
	if len(sets) == 0 {
		return r.FindByID(ctx, id)
	}
	args = append(args, id)

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, nil
	}
	return r.FindByID(ctx, id)
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanSQLiteUser(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE email = ? ORDER BY created_at ASC LIMIT 1`,
		email,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *SQLiteUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// isSQLiteUniqueViolation はerrがSQLiteの一意制約違反かを判定する。
// CHECK制約などの他の制約違反は含めない。
func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// scanSQLiteUser はSQLiteの行をUserに変換する。
func scanSQLiteUser(row rowScanner) (*model.User, error) {
	var (
		user        model.User
		provider    string
		avatarURL   sql.NullString
		createdAt   int64
		updatedAt   int64
		lastLoginAt sql.NullInt64
	)
	err := row.Scan(
		&user.ID, &user.ExternalID, &provider, &user.Email, &user.Name,
		&avatarURL, &createdAt, &updatedAt, &lastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	user.Provider = model.Provider(provider)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	if avatarURL.Valid {
		v := avatarURL.String
		user.AvatarURL = &v
	}
	if lastLoginAt.Valid {
		v := fromMillis(lastLoginAt.Int64)
		user.LastLoginAt = &v
	}
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*SQLiteUserRepo)(nil)
