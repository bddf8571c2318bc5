package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/access"
	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/executor"
	"github.com/jmerrifield20/quorumledger/internal/handler"
	"github.com/jmerrifield20/quorumledger/internal/identity"
	"github.com/jmerrifield20/quorumledger/internal/integrity"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

// stores bundles the persistence layer for one backend.
type stores struct {
	ledger    ledger.Ledger
	approvals approval.Store
	grants    access.Store
	close     func()
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("auth.token_secret", "")
	viper.SetDefault("auth.issuer", "quorumledger")
	viper.SetDefault("auth.token_ttl_seconds", 3600)
	viper.SetDefault("ledger.verify_interval", "10m")
	viper.SetDefault("approval.default_ttl", "24h")
	viper.SetDefault("approval.forbid_self_decision", false)
	viper.SetDefault("executor.timeout", "10s")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	st, err := openStores(ctx, viper.GetString("database.url"), logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ── Ledger integrity ─────────────────────────────────────────────────────
	monitor := integrity.New(st.ledger, viper.GetDuration("ledger.verify_interval"), logger)
	monitor.SetResultRecorder(handler.RecordVerification)

	report := monitor.Check(ctx)
	switch {
	case report.Error != "":
		return fmt.Errorf("startup ledger verification: %s", report.Error)
	case !report.Valid:
		logger.Warn("ledger integrity check FAILED",
			zap.Int64p("broken_at", report.BrokenAt),
			zap.String("reason", string(report.Reason)),
		)
	default:
		logger.Info("ledger verified",
			zap.Int64("entries", report.Checked),
			zap.Duration("took", report.Duration),
		)
	}
	go monitor.Start(ctx)

	// ── Identity ─────────────────────────────────────────────────────────────
	var tokens *identity.TokenIssuer
	if secret := viper.GetString("auth.token_secret"); secret != "" {
		ttl := time.Duration(viper.GetInt("auth.token_ttl_seconds")) * time.Second
		tokens = identity.NewTokenIssuer([]byte(secret), viper.GetString("auth.issuer"), ttl)
	} else {
		logger.Warn("auth.token_secret not set: trusting X-Principal/X-Roles headers (dev mode)")
	}

	// ── Executor ─────────────────────────────────────────────────────────────
	var targets map[string]executor.Target
	if err := viper.UnmarshalKey("actions", &targets); err != nil {
		return fmt.Errorf("parse actions config: %w", err)
	}
	exec := executor.New(targets, viper.GetDuration("executor.timeout"), logger)
	exec.SetMetricsRecorder(handler.RecordExecutorDelivery)
	logger.Info("executor configured", zap.Int("actions", len(targets)))

	// ── Wire up layers ───────────────────────────────────────────────────────
	workflow := approval.NewWorkflow(st.approvals, logger)
	workflow.SetForbidSelfDecision(viper.GetBool("approval.forbid_self_decision"))
	workflow.SetTransitionRecorder(handler.RecordApprovalTransition)

	grants := access.NewService(workflow, st.grants, logger)
	grants.SetEventRecorder(handler.RecordGrantEvent)

	ledgerHandler := handler.NewLedgerHandler(st.ledger, logger)
	approvalHandler := handler.NewApprovalHandler(workflow, exec, viper.GetDuration("approval.default_ttl"), logger)
	accessHandler := handler.NewAccessHandler(grants, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization", "Accept",
			identity.DevPrincipalHeader, identity.DevRolesHeader,
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		limits := handler.NewClientLimits(rps, rps*2)
		go limits.Run(ctx, 5*time.Minute)
		router.Use(limits.Middleware())
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// Public
	router.GET("/healthz", handler.HealthHandler(monitor))
	router.GET("/metrics", handler.MetricsHandler())

	// API v1
	v1 := router.Group("/api/v1", identity.RequirePrincipal(tokens))
	ledgerHandler.Register(v1)
	approvalHandler.Register(v1)
	accessHandler.Register(v1)

	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// openStores connects to Postgres when dbURL is set and falls back to the
// in-memory backend otherwise.
func openStores(ctx context.Context, dbURL string, logger *zap.Logger) (*stores, error) {
	if dbURL == "" {
		logger.Warn("database.url not set: using in-memory stores, state is lost on restart")
		l := ledger.New()
		l.SetLogger(logger)
		l.SetAppendObserver(handler.RecordLedgerAppend)
		approvals := approval.NewMemoryStore(l)
		return &stores{
			ledger:    l,
			approvals: approvals,
			grants:    access.NewMemoryStore(l, approvals),
			close:     func() {},
		}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url: %w", err)
	}
	if n := viper.GetInt32("database.max_conns"); n > 0 {
		poolCfg.MaxConns = n
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	l := ledger.NewPostgresLedger(db, logger)
	l.SetAppendObserver(handler.RecordLedgerAppend)
	return &stores{
		ledger:    l,
		approvals: approval.NewPostgresStore(db, l, logger),
		grants:    access.NewPostgresStore(db, l, logger),
		close:     db.Close,
	}, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("principal", identity.PrincipalFromCtx(c)),
		)
	}
}
