package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/jitauth/internal/model"
	"github.com/hitoshi/jitauth/internal/repository"
)

// DomainService は外部IDからローカルユーザーを解決し、未登録の場合はJITで作成する。
type DomainService struct {
	users  repository.UserRepository
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewDomainService はDomainServiceを生成する。
func NewDomainService(users repository.UserRepository, logger *slog.Logger) *DomainService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DomainService{
		users:  users,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// CreateFromExternalIdentity は外部IDに対応するユーザーを返す。
// 存在しない場合は作成する。同じ外部IDで何度呼び出しても結果は1件のユーザーになる。
func (s *DomainService) CreateFromExternalIdentity(ctx context.Context, identity *model.ExternalIdentity) (*model.User, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByExternalID(ctx, identity.ID, identity.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external id: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	user, _, err := s.provision(ctx, identity)
	return user, err
}

// Authenticate は外部IDを認証済みユーザーに解決し、最終ログイン日時を更新する。
// IsNewUserはこの呼び出しでユーザーを作成した場合のみtrueになる。
func (s *DomainService) Authenticate(ctx context.Context, identity *model.ExternalIdentity) (*model.AuthenticationResult, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}

	user, err := s.users.FindByExternalID(ctx, identity.ID, identity.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external id: %w", err)
	}

	isNewUser := false
	if user == nil {
		user, isNewUser, err = s.provision(ctx, identity)
		if err != nil {
			return nil, err
		}
	}

	// 作成直後でもログイン日時は作成日時とは別に記録する
	loginAt := s.now().UTC()
	if loginAt.Before(user.CreatedAt) {
		loginAt = user.CreatedAt
	}
	updated, err := s.users.Update(ctx, user.ID, model.UserUpdate{
		UpdatedAt:   &loginAt,
		LastLoginAt: &loginAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	if updated == nil {
		return nil, model.NewUserNotFoundError()
	}

	return &model.AuthenticationResult{User: updated, IsNewUser: isNewUser}, nil
}

// provision はユーザーを作成する。一意制約違反の場合は他のリクエストが
// 先に作成したものとして再取得し、created=falseを返す。
func (s *DomainService) provision(ctx context.Context, identity *model.ExternalIdentity) (*model.User, bool, error) {
	user, err := model.NewUser(model.NewUserParams{
		ID:         s.newID(),
		ExternalID: identity.ID,
		Provider:   identity.Provider,
		Email:      identity.Email,
		Name:       identity.Name,
		AvatarURL:  identity.AvatarURL,
		Now:        s.now(),
	})
	if err != nil {
		return nil, false, err
	}

	created, err := s.users.Create(ctx, user)
	if err == nil {
		s.logger.Info("user provisioned",
			slog.String("user_id", created.ID),
			slog.String("external_id", created.ExternalID),
			slog.String("provider", created.Provider.String()),
		)
		return created, true, nil
	}
	if !errors.Is(err, repository.ErrDuplicateUser) {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("concurrent user creation detected, using existing user",
		slog.String("external_id", identity.ID),
		slog.String("provider", identity.Provider.String()),
	)
	existing, findErr := s.users.FindByExternalID(ctx, identity.ID, identity.Provider)
	if findErr != nil {
		return nil, false, fmt.Errorf("failed to refetch user after conflict: %w", findErr)
	}
	if existing == nil {
		return nil, false, model.NewInfrastructureError("user_conflict_unresolved", err)
	}
	return existing, false, nil
}

func validateIdentity(identity *model.ExternalIdentity) error {
	if identity == nil {
		return model.NewInvalidUserError("identity is required")
	}
	if !identity.Provider.Valid() {
		return model.NewInvalidProviderError(string(identity.Provider))
	}
	return model.ValidateExternalID(identity.ID)
}
