package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/jitauth/internal/auth"
	"github.com/hitoshi/jitauth/internal/config"
	"github.com/hitoshi/jitauth/internal/database"
	"github.com/hitoshi/jitauth/internal/handler"
	"github.com/hitoshi/jitauth/internal/logger"
	"github.com/hitoshi/jitauth/internal/metrics"
	"github.com/hitoshi/jitauth/internal/repository"
	"github.com/hitoshi/jitauth/internal/security"
	"github.com/hitoshi/jitauth/internal/tracing"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := lookupCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if !known {
		slog.Warn("unknown subcommand, falling back to serve",
			slog.String("arg", args[0]),
			slog.String("usage", Usage()),
		)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// Server はワイヤリング済みのHTTPサーバーと後始末処理。
type Server struct {
	HTTP  *http.Server
	close func() error
}

// Close はストア接続を閉じる。
func (s *Server) Close() error {
	return s.close()
}

// NewServer は設定に従って全依存関係をワイヤリングし、HTTPサーバーを構築する。
// tpがnilの場合、認証処理のスパンはグローバルのTracerProviderに出力する。
func NewServer(cfg *config.Config, reg *prometheus.Registry, tp trace.TracerProvider) (*Server, error) {
	log := slog.Default()

	// 1. ストア
	db, users, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	// 2. IdP検証
	ssrfGuard := security.NewSSRFGuard()
	provider, err := auth.NewOIDCProvider(auth.OIDCConfig{
		Issuers:         cfg.Issuers(),
		URLValidator:    ssrfGuard,
		Sanitizer:       security.NewNameSanitizer(),
		JWKSCacheTTL:    cfg.JWKSCacheTTL,
		RefreshInterval: cfg.JWKSRefreshMin,
		Leeway:          cfg.OIDCLeeway,
		Logger:          log,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure identity provider: %w", err)
	}

	// 3. メトリクス
	collector := metrics.NewCollector(reg)

	// 4. ユースケース
	domain := auth.NewDomainService(users, log)
	opts := []auth.OrchestratorOption{auth.WithRecorder(collector)}
	if tp != nil {
		opts = append(opts, auth.WithTracerProvider(tp))
	}
	orchestrator := auth.NewOrchestrator(cfg.AuthConfig(), provider, domain, log, opts...)

	// 5. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     orchestrator,
		HealthChecker:     db,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            log,
		MetricsHandler:    metrics.Handler(reg),
		StatusRecorder:    collector,
	})

	return &Server{
		HTTP: &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		close: db.Close,
	}, nil
}

// openStore はSTORE_DRIVERに応じたユーザーストアを開く。
func openStore(cfg *config.Config) (*sql.DB, repository.UserRepository, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("sqlite store opened", slog.String("path", cfg.SQLitePath))
		return db, repository.NewSQLiteUserRepo(db), nil
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return db, repository.NewPostgresUserRepo(db), nil
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tp, err := tracing.Setup(ctx, cfg.TracingOptions())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	if tp != nil {
		slog.Info("tracing enabled", slog.String("service", cfg.TracingService))
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(flushCtx); err != nil {
				slog.Warn("failed to flush traces", slog.String("error", err.Error()))
			}
		}()
	}

	var spans trace.TracerProvider
	if tp != nil {
		spans = tp
	}
	srv, err := NewServer(cfg, reg, spans)
	if err != nil {
		return err
	}
	defer srv.Close()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", srv.HTTP.Addr))
		if err := srv.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.HTTP.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// SQLiteはスキーマを開く際に適用するため、接続確認のみ行う。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("sqlite schema applied", slog.String("path", cfg.SQLitePath))
		return db.Close()
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
