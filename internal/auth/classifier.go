package auth

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"

	"github.com/hitoshi/jitauth/internal/model"
	"github.com/hitoshi/jitauth/internal/repository"
)

// 分類理由。ログとメトリクスのラベルに使う。
const (
	ReasonDatabase        = "database_error"
	ReasonExternalService = "external_service_error"
	ReasonNetwork         = "network_error"
	ReasonAuthentication  = "authentication_error"
	ReasonUnknown         = "unknown_error"
)

// ClassifyContext は分類時にログへ残す付帯情報。
type ClassifyContext struct {
	Operation   string
	Provider    model.Provider
	TokenLength int
}

// Classification は分類結果。
type Classification struct {
	Err      *model.AuthError
	Reason   string
	Original error
}

type patternCategory struct {
	reason   string
	patterns []string
	build    func(reason string, cause error) *model.AuthError
}

// 先に一致したカテゴリを採用する。順序を変えないこと。
var patternCategories = []patternCategory{
	{
		reason: ReasonDatabase,
		patterns: []string{
			"database", "sql", "postgres", "pq:", "sqlite",
			"econnrefused", "connection refused", "enotfound", "no such host",
			"constraint", "duplicate key", "unique", "deadlock", "relation ",
			"transaction", "connection pool",
		},
		build: model.NewInfrastructureError,
	},
	{
		reason: ReasonExternalService,
		patterns: []string{
			"google", "apple", "microsoft", "github", "facebook", "line login", "line api", "access.line.me",
			"identity provider", "oauth", "oidc", "jwks", "openid", "discovery",
			"http", "fetch", "status code", "bad gateway", "service unavailable",
			"rate limit", "too many requests", "upstream",
		},
		build: model.NewExternalServiceError,
	},
	{
		reason: ReasonNetwork,
		patterns: []string{
			"econnreset", "connection reset", "etimedout", "timeout", "timed out",
			"unreachable", "network", "socket", "broken pipe", "unexpected eof",
		},
		build: model.NewInfrastructureError,
	},
	{
		reason: ReasonAuthentication,
		patterns: []string{
			"token", "credential", "unauthorized", "authoriz", "authenticat",
			"forbidden", "jwt", "signature", "expired", "issuer", "audience",
		},
		build: model.NewAuthenticationError,
	},
}

var errnoNames = map[syscall.Errno]string{
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.ENETUNREACH:  "ENETUNREACH",
	syscall.EHOSTUNREACH: "EHOSTUNREACH",
	syscall.EPIPE:        "EPIPE",
}

// ErrorClassifier は任意のエラーを業務エラーの分類に写像する。
// 型やセンチネルで判別できるものを優先し、判別できない場合のみ
// 名前・メッセージ・コードの部分一致で推定する。
type ErrorClassifier struct {
	logger *slog.Logger
}

// NewErrorClassifier はErrorClassifierを生成する。
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{logger: logger}
}

// Classify はerrを分類する。AuthErrorはそのまま返す。
func (c *ErrorClassifier) Classify(err error, cctx ClassifyContext) Classification {
	if err == nil {
		return Classification{}
	}
	if authErr, ok := model.AsAuthError(err); ok {
		return Classification{Err: authErr, Reason: authErr.Reason, Original: err}
	}

	reason, build, matched := classifyDatabaseType(err)
	if !matched {
		reason, build = classifyByPattern(err)
	}

	c.logger.Debug("error classified",
		slog.String("operation", cctx.Operation),
		slog.String("provider", cctx.Provider.String()),
		slog.Int("token_length", cctx.TokenLength),
		slog.String("reason", reason),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	)

	return Classification{Err: build(reason, err), Reason: reason, Original: err}
}

// classifyDatabaseType は型・センチネルでストア由来と判別できるエラーを分類する。
func classifyDatabaseType(err error) (string, func(string, error) *model.AuthError, bool) {
	var pqErr *pq.Error
	var sqliteErr *msqlite.Error
	switch {
	case errors.Is(err, repository.ErrDuplicateUser),
		errors.As(err, &pqErr),
		errors.As(err, &sqliteErr),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, syscall.ECONNREFUSED):
		return ReasonDatabase, model.NewInfrastructureError, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ReasonDatabase, model.NewInfrastructureError, true
	}
	return "", nil, false
}

// isNetworkType は型・センチネルで通信障害と判別できるかを返す。
// IdP宛てのHTTP失敗もnet.Errorを満たすため、外部サービスの判定より後に使う。
func isNetworkType(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyByPattern は名前・メッセージ・コードの部分一致で分類する。
// 通信障害カテゴリに達した時点で型による判定も行う。
func classifyByPattern(err error) (string, func(string, error) *model.AuthError) {
	haystack := normalizeForMatch(err)
	for _, cat := range patternCategories {
		if cat.reason == ReasonNetwork && isNetworkType(err) {
			return cat.reason, cat.build
		}
		for _, p := range cat.patterns {
			if strings.Contains(haystack, p) {
				return cat.reason, cat.build
			}
		}
	}
	return ReasonUnknown, model.NewAuthenticationError
}

func normalizeForMatch(err error) string {
	parts := []string{
		strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
		err.Error(),
		errorCode(err),
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// errorCode はエラーが持つコードを文字列で返す。
func errorCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if name, ok := errnoNames[errno]; ok {
			return name
		}
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
