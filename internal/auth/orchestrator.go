package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/jitauth/internal/logger"
	"github.com/hitoshi/jitauth/internal/model"
)

const tracerName = "github.com/hitoshi/jitauth/internal/auth"

// 処理時間の計測区分。
const (
	PathExistingUser = "existing_user"
	PathNewUser      = "new_user"
)

// 認証試行の結果区分。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Config は認証ユースケースの設定。
type Config struct {
	MaxTokenLength     int
	ExistingUserBudget time.Duration
	NewUserBudget      time.Duration
}

// DefaultConfig は既定値の設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxTokenLength:     DefaultMaxTokenLength,
		ExistingUserBudget: time.Second,
		NewUserBudget:      2 * time.Second,
	}
}

// State はパイプラインの進行状態。
type State int

// パイプラインの状態一覧。
const (
	StateInit State = iota
	StateStructureChecked
	StateTokenVerified
	StateIdentityExtracted
	StateAuthenticated
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStructureChecked:
		return "structure_checked"
	case StateTokenVerified:
		return "token_verified"
	case StateIdentityExtracted:
		return "identity_extracted"
	case StateAuthenticated:
		return "authenticated"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Recorder は認証処理のメトリクス記録先。
type Recorder interface {
	ObserveAttempt(outcome string)
	ObserveFailure(kind model.ErrorKind)
	ObserveDuration(path string, d time.Duration)
	UserProvisioned(provider model.Provider)
	BudgetExceeded(path string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string)                 {}
func (nopRecorder) ObserveFailure(model.ErrorKind)        {}
func (nopRecorder) ObserveDuration(string, time.Duration) {}
func (nopRecorder) UserProvisioned(model.Provider)        {}
func (nopRecorder) BudgetExceeded(string)                 {}

// Authenticator は外部IDをローカルユーザーに解決する。DomainServiceが実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, identity *model.ExternalIdentity) (*model.AuthenticationResult, error)
}

// AuthenticateRequest は認証ユースケースの入力。
type AuthenticateRequest struct {
	Token string
}

// OrchestratorOption はOrchestratorの任意設定。
type OrchestratorOption func(*Orchestrator)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTracerProvider はスパンの出力先を設定する。
func WithTracerProvider(tp trace.TracerProvider) OrchestratorOption {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// Orchestrator はIDトークンによる認証の一連の処理を実行する。
// 構造検証、暗号検証、正規化、ユーザー解決の順に進み、どの段階で失敗しても
// 業務エラーの分類で返す。リクエスト間で可変な状態は持たない。
type Orchestrator struct {
	cfg           Config
	validator     *StructuralTokenValidator
	provider      IdentityProvider
	authenticator Authenticator
	classifier    *ErrorClassifier
	logger        *slog.Logger
	recorder      Recorder
	tracer        trace.Tracer
	now           func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(cfg Config, provider IdentityProvider, authenticator Authenticator, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxTokenLength <= 0 {
		cfg.MaxTokenLength = def.MaxTokenLength
	}
	if cfg.ExistingUserBudget <= 0 {
		cfg.ExistingUserBudget = def.ExistingUserBudget
	}
	if cfg.NewUserBudget <= 0 {
		cfg.NewUserBudget = def.NewUserBudget
	}

	o := &Orchestrator{
		cfg:           cfg,
		validator:     NewStructuralTokenValidator(cfg.MaxTokenLength),
		provider:      provider,
		authenticator: authenticator,
		classifier:    NewErrorClassifier(logger),
		logger:        logger,
		recorder:      nopRecorder{},
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config は適用中の設定を返す。
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Execute はトークンを検証し、対応するユーザーを返す。未登録の場合は作成する。
// 返すエラーは常に*model.AuthError。
func (o *Orchestrator) Execute(ctx context.Context, req *AuthenticateRequest) (*model.AuthenticationResult, error) {
	start := o.now()
	state := StateInit

	ctx, span := o.tracer.Start(ctx, "auth.Authenticate")
	defer span.End()

	// Init
	if req == nil || strings.TrimSpace(req.Token) == "" {
		o.logger.Warn("authentication rejected: token missing",
			slog.String("input", logger.Redacted),
			slog.String("state", state.String()),
		)
		return nil, o.fail(span, state, model.NewTokenRequiredError())
	}
	token := req.Token
	tokenLength := len(token)
	span.SetAttributes(attribute.Int("auth.token_length", tokenLength))

	// StructureChecked
	if res := o.validator.ValidateStructure(token); !res.IsValid {
		o.logger.Warn("token structure validation failed",
			slog.String("reason", string(res.FailureReason)),
			slog.Int("token_length", tokenLength),
		)
		return nil, o.fail(span, state, structureError(res.FailureReason))
	}
	state = StateStructureChecked

	o.logger.Info("authentication started", slog.Int("token_length", tokenLength))

	// TokenVerified
	verified, err := o.provider.Verify(ctx, token)
	if err != nil {
		if _, ok := model.AsAuthError(err); !ok {
			o.logger.Warn("identity provider verification failed",
				slog.String("error", logger.RedactToken(err.Error(), token)),
				slog.Int("token_length", tokenLength),
			)
			err = model.NewExternalServiceError("verify_failed", err)
		}
		return nil, o.fail(span, state, err)
	}
	if verified == nil || !verified.Valid || verified.Claims == nil {
		detail := ""
		if verified != nil {
			detail = logger.RedactToken(verified.Error, token)
		}
		o.logger.Warn("token verification rejected",
			slog.String("detail", detail),
			slog.Int("token_length", tokenLength),
		)
		return nil, o.fail(span, state, model.NewInvalidTokenError(nil))
	}
	state = StateTokenVerified

	// IdentityExtracted
	identity, err := o.provider.Normalize(ctx, verified.Claims)
	if err != nil || identity == nil {
		if !model.IsKind(err, model.KindExternalService) {
			o.logger.Warn("identity normalization failed",
				slog.String("error", redactedMessage(err, token)),
				slog.String("provider", verified.Claims.Provider.String()),
			)
			err = model.NewExternalServiceError("normalize_failed", err)
		}
		return nil, o.fail(span, state, err)
	}
	state = StateIdentityExtracted
	span.SetAttributes(attribute.String("auth.provider", identity.Provider.String()))

	// Authenticated
	result, err := o.authenticator.Authenticate(ctx, identity)
	if err != nil {
		if _, ok := model.AsAuthError(err); !ok {
			o.logger.Error("unexpected authentication error",
				slog.String("error", logger.RedactToken(err.Error(), token)),
				slog.String("state", state.String()),
				slog.String("provider", identity.Provider.String()),
			)
			c := o.classifier.Classify(err, ClassifyContext{
				Operation:   "authenticate",
				Provider:    identity.Provider,
				TokenLength: tokenLength,
			})
			err = c.Err
		}
		return nil, o.fail(span, state, err)
	}
	state = StateAuthenticated

	duration := o.now().Sub(start)
	path, budget := PathExistingUser, o.cfg.ExistingUserBudget
	if result.IsNewUser {
		path, budget = PathNewUser, o.cfg.NewUserBudget
	}
	if duration > budget {
		o.logger.Warn("authentication exceeded time budget",
			slog.String("path", path),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.Int64("budget_ms", budget.Milliseconds()),
		)
		o.recorder.BudgetExceeded(path)
	}

	o.logger.Info("authentication succeeded",
		slog.String("user_id", result.User.ID),
		slog.String("external_id", result.User.ExternalID),
		slog.String("provider", result.User.Provider.String()),
		slog.Bool("is_new_user", result.IsNewUser),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	o.recorder.ObserveAttempt(OutcomeSuccess)
	o.recorder.ObserveDuration(path, duration)
	if result.IsNewUser {
		o.recorder.UserProvisioned(result.User.Provider)
	}
	state = StateDone
	span.SetAttributes(
		attribute.Bool("auth.is_new_user", result.IsNewUser),
		attribute.String("auth.state", state.String()),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// fail は失敗をメトリクスとスパンに記録し、業務エラーを返す。
func (o *Orchestrator) fail(span trace.Span, state State, err error) error {
	authErr, ok := model.AsAuthError(err)
	if !ok {
		authErr = o.classifier.Classify(err, ClassifyContext{Operation: state.String()}).Err
	}

	o.recorder.ObserveAttempt(OutcomeFailure)
	o.recorder.ObserveFailure(authErr.Kind)

	span.SetAttributes(
		attribute.String("auth.state", state.String()),
		attribute.String("auth.error_kind", string(authErr.Kind)),
		attribute.String("auth.error_code", authErr.Code),
	)
	span.SetStatus(codes.Error, authErr.Code)
	return authErr
}

func structureError(reason FailureReason) *model.AuthError {
	switch reason {
	case FailureEmpty:
		return model.NewTokenRequiredError()
	case FailureTooLong:
		return model.NewTokenTooLongError()
	default:
		return model.NewInvalidTokenFormatError()
	}
}

func redactedMessage(err error, token string) string {
	if err == nil {
		return ""
	}
	return logger.RedactToken(err.Error(), token)
}
