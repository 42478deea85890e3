package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/prefsync/internal/auth"
	"github.com/hitoshi/prefsync/internal/cache"
	"github.com/hitoshi/prefsync/internal/config"
	"github.com/hitoshi/prefsync/internal/database"
	"github.com/hitoshi/prefsync/internal/handler"
	"github.com/hitoshi/prefsync/internal/health"
	"github.com/hitoshi/prefsync/internal/logger"
	"github.com/hitoshi/prefsync/internal/metrics"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/reconcile"
	"github.com/hitoshi/prefsync/internal/relay"
	"github.com/hitoshi/prefsync/internal/repository"
	"github.com/hitoshi/prefsync/internal/tokenstore"
	"github.com/hitoshi/prefsync/internal/user"
	"github.com/hitoshi/prefsync/internal/worker/cleanup"
)

const (
	shutdownTimeout   = 30 * time.Second
	seedRetryInterval = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// InitProxy はproxyモード用の初期化を行う。
func InitProxy(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.LoadProxy()
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	if cmd == CommandProxy {
		cfg, err := InitProxy(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		slog.Info("starting application",
			slog.String("command", string(cmd)),
			slog.String("port", cfg.ServerPort),
			slog.String("prefs_server_url", cfg.PrefsServerURL),
		)
		return runProxy(cfg)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はPDS（プリファレンスサーバー）モードで起動する。
// DBが未起動でもプロセスは立ち上がり、接続できるまで/readyは503を返す。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, collector := newMetrics()

	// 1. Redisまたはインメモリのstate/キャッシュ
	var (
		states     auth.StateStore
		tokenCache tokenstore.Cache
	)
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to open redis: %w", err)
		}
		defer rdb.Close()
		states = cache.NewRedisStateStore(rdb)
		tokenCache = cache.NewRedisTokenCache(rdb)
		slog.Info("using redis for oauth state and token cache")
	} else {
		states = auth.NewMemoryStateStore()
	}

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	loginRepo := repository.NewPostgresLoginRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)
	providerRepo := repository.NewPostgresProviderRepo(db)
	prefsRepo := repository.NewPostgresPreferenceRepo(db)

	// 3. ドメインサービスの初期化
	tokens := tokenstore.New(tokenRepo, tokenCache, collector, tokenstore.Config{
		CacheTTL: cfg.TokenCacheTTL,
	})
	google := auth.NewGoogleProvider(auth.GoogleConfig{
		RedirectURL: cfg.GoogleRedirectURL,
		Timeout:     cfg.ProviderTimeout,
	})
	linker := auth.NewLinker(
		auth.NewRegistry(google), providerRepo, loginRepo, tokens, states, collector,
		auth.LinkerConfig{
			LoginTokenMaxAge:  cfg.LoginTokenMaxAge,
			DefaultRefererURL: cfg.DefaultRefererURL,
			StateTTL:          cfg.OAuthStateTTL,
		},
	)
	userService := user.NewService(userRepo, tokens)
	monitor := health.NewMonitor(db, cfg.ReadyTimeout, collector)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSSO),
	)
	defer rateLimiter.Stop()

	router := handler.NewServerRouter(&handler.ServerDeps{
		TokenValidator:    tokens,
		TokenRevoker:      tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Linker:            linker,
		SSOConfig:         handler.SSOHandlerConfig{LoginRedirectURL: cfg.LoginRedirectURL},
		Readiness:         monitor,
		Preferences:       prefsRepo,
		UserService:       userService,
		Metrics:           metrics.Handler(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed := func(ctx context.Context) error {
		seedProviders(ctx, providerRepo, cfg)
		return nil
	}
	return serveHTTP(ctx, cfg.ServerPort, router, monitor.MarkStarted, seed)
}

// runProxy はエッジプロキシモードで起動する。DBには接続しない。
func runProxy(cfg *config.Config) error {
	reg, collector := newMetrics()

	client := relay.NewClient(relay.Config{
		BaseURL:        cfg.PrefsServerURL,
		Timeout:        cfg.RelayTimeout,
		MaxReadRetries: cfg.RelayReadRetries,
	}, collector)

	authed := func(token string) reconcile.Store {
		return relay.NewPreferenceStore(client, token)
	}
	proxy := handler.NewProxyHandler(client, authed, reconcile.Defaults(), collector, handler.ProxyHandlerConfig{
		LoginCookieName: cfg.LoginCookieName,
		CookieSecure:    cfg.CookieSecure,
		CookieDomain:    cfg.CookieDomain,
	})

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSSO),
	)
	defer rateLimiter.Stop()

	router := handler.NewProxyRouter(&handler.ProxyDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Proxy:             proxy,
		Metrics:           metrics.Handler(reg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveHTTP(ctx, cfg.ServerPort, router, nil)
}

// runWorker はワーカーモードで起動する。
// 期限切れアクセストークンの定期削除を行い、シグナル受信で停止する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("token_cleanup_interval", cfg.TokenCleanupInt),
	)

	job := cleanup.NewTokenPurgeJob(db, slog.Default())
	job.Start(ctx, cfg.TokenCleanupInt)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行し、
// 環境変数のSSOクレデンシャルをapp_sso_providersへ登録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := upsertProviders(ctx, repository.NewPostgresProviderRepo(db), cfg); err != nil {
		return fmt.Errorf("failed to register sso providers: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	// 起動時の接続失敗は致命的としない
	if err := db.Ping(); err != nil {
		slog.Warn("database is not reachable yet",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("database connection established")
	}
	return db, nil
}

func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを動かし、グレースフルに停止する。
// onListenはリッスン開始直後に呼ばれる。backgroundはサーバーと同じ寿命で動く。
func serveHTTP(ctx context.Context, port string, h http.Handler, onListen func(), background ...func(context.Context) error) error {
	server := &http.Server{
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if onListen != nil {
		onListen()
	}
	slog.Info("http server starting", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down http server...")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	for _, fn := range background {
		g.Go(func() error { return fn(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("http server stopped gracefully")
	return nil
}

// seedProviders はDBに接続できるまで再試行しながらプロバイダー情報を登録する。
func seedProviders(ctx context.Context, repo repository.ProviderRepository, cfg *config.Config) {
	for {
		err := upsertProviders(ctx, repo, cfg)
		if err == nil {
			slog.Info("sso providers registered")
			return
		}
		slog.Warn("failed to register sso providers, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", seedRetryInterval),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(seedRetryInterval):
		}
	}
}

func upsertProviders(ctx context.Context, repo repository.ProviderRepository, cfg *config.Config) error {
	return repo.Upsert(ctx, &model.AppSsoProvider{
		Provider:     auth.ProviderGoogle,
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
	})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
