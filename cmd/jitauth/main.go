// Command jitauth はIdPトークンを検証し、初回ログイン時にユーザーを作成する認証APIサーバー。
//
// 使い方:
//
//	jitauth [serve|migrate|healthcheck]
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/jitauth/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
