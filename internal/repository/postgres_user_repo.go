package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/jitauth/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

const pgUserColumns = `id, external_id, provider, email, name, avatar_url, created_at, updated_at, last_login_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByExternalID はexternal_idとproviderでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE external_id = $1 AND provider = $2`,
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
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) (*model.User, error) {
	created, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_id, provider, email, name, avatar_url, created_at, updated_at, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+pgUserColumns,
		user.ID, user.ExternalID, string(user.Provider), user.Email, user.Name,
		nullString(user.AvatarURL), user.CreatedAt, user.UpdatedAt, nullTimePtr(user.LastLoginAt),
	))
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %w", ErrDuplicateUser, err)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return created, nil
}

// Update は指定IDのユーザーを部分更新する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error) {
	sets, args := buildUserUpdate(update,
		func(n int) string { return fmt.Sprintf("$%d", n) },
		func(t time.Time) any { return t },
	)
	if len(sets) == 0 {
		return r.FindByID(ctx, id)
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING `+pgUserColumns,
		strings.Join(sets, ", "), len(args))

	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE id = $1`,
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
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE email = $1 ORDER BY created_at ASC LIMIT 1`,
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
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
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

// isPostgresUniqueViolation はerrがPostgreSQLの一意制約違反かを判定する。
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser はPostgreSQLの行をUserに変換する。
func scanUser(row rowScanner) (*model.User, error) {
	var (
		user        model.User
		provider    string
		avatarURL   sql.NullString
		lastLoginAt sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.ExternalID, &provider, &user.Email, &user.Name,
		&avatarURL, &user.CreatedAt, &user.UpdatedAt, &lastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	user.Provider = model.Provider(provider)
	if avatarURL.Valid {
		v := avatarURL.String
		user.AvatarURL = &v
	}
	if lastLoginAt.Valid {
		v := lastLoginAt.Time
		user.LastLoginAt = &v
	}
	return &user, nil
}

// buildUserUpdate はUserUpdateからSET句と引数を構築する。
// placeholderは1始まりの引数番号からプレースホルダー文字列を、timeValueは時刻の格納値を返す。
func buildUserUpdate(update model.UserUpdate, placeholder func(n int) string, timeValue func(time.Time) any) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = "+placeholder(len(args)))
	}

	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.AvatarURL != nil {
		add("avatar_url", *update.AvatarURL)
	}
	if update.UpdatedAt != nil {
		add("updated_at", timeValue(*update.UpdatedAt))
	}
	if update.LastLoginAt != nil {
		add("last_login_at", timeValue(*update.LastLoginAt))
	}
	return sets, args
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
