// Package logger はJSON構造化ログの初期化と秘匿情報のマスクを提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted はマスク済みの値を表す。
const Redacted = "[REDACTED]"

// sensitiveKeys は値を常にマスクする属性キー（小文字）。
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"id_token":      {},
	"access_token":  {},
	"refresh_token": {},
	"authorization": {},
	"password":      {},
	"secret":        {},
	"client_secret": {},
	"raw_input":     {},
	"input":         {},
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return SetupWithLevel(w, slog.LevelInfo)
}

// SetupWithLevel は出力レベルを指定してロガーを生成する。
// 秘匿キーの値はハンドラー側で常にマスクされる。
func SetupWithLevel(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := SetupWithLevel(w, level)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel はLOG_LEVELの文字列をslog.Levelに変換する。不明な値はInfo。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactToken はmsg中に含まれるtokenの文字列をマスクする。
// ドライバーやライブラリのエラーメッセージにトークンが混入した場合に使う。
func RedactToken(msg, token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, Redacted)
}

// IsSensitiveKey は属性キーがマスク対象かを返す。
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}
