package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/anomaly"
	"portalauth/internal/audit"
	"portalauth/internal/cache"
	"portalauth/internal/config"
	"portalauth/internal/database"
	"portalauth/internal/handlers"
	"portalauth/internal/lockout"
	"portalauth/internal/log"
	"portalauth/internal/migration"
	"portalauth/internal/natsbus"
	"portalauth/internal/notify"
	"portalauth/internal/obs"
	"portalauth/internal/provider"
	"portalauth/internal/queue"
	"portalauth/internal/ratelimit"
	"portalauth/internal/repository"
	"portalauth/internal/reputation"
	"portalauth/internal/security"
	"portalauth/internal/server"
	"portalauth/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)
	obs.Init()

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	db := database.OpenDB(dbPool)

	redisClient := cache.NewClient(cfg.Redis)
	if err := cache.Ping(ctx, redisClient); err != nil {
		if cfg.IsProduction() {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		logger.Warn().Err(err).Bool("fail_open", cfg.RateLimitFailOpen()).Msg("redis unreachable, continuing")
	}

	identities := repository.NewIdentityRepository(db)
	sessions := repository.NewSessionRepository(db)
	oneTimeTokens := repository.NewIdentityTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	tokens, err := security.NewTokenService(security.TokenConfig{
		PrivateKeyPEM:  cfg.Security.PrivateKey,
		PrivateKeyPath: cfg.Security.PrivateKeyPath,
		PublicKeyPEM:   cfg.Security.PublicKey,
		PublicKeyPath:  cfg.Security.PublicKeyPath,
		Issuer:         cfg.Security.Issuer,
		Audience:       cfg.Security.Audience,
		TTL:            cfg.Security.TokenTTL,
		Leeway:         cfg.Security.TokenLeeway,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init token service")
	}

	params := security.DefaultArgon2Params
	params.Time = cfg.Security.Argon2.Time
	params.Memory = cfg.Security.Argon2.MemoryKiB
	params.Threads = cfg.Security.Argon2.Threads
	hasher, err := security.NewPasswordHasher(params, cfg.Security.HashConcurrency)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init password hasher")
	}

	limiter := ratelimit.New(redisClient, ratelimit.Options{FailOpen: cfg.RateLimitFailOpen()}, logger)

	detector, geoip := newDetector(cfg, redisClient, logger)
	if geoip != nil {
		defer geoip.Close()
	}

	auditLogger := audit.NewLogger(auditRepo, cfg.Audit.BufferSize, logger)
	taskQueue := queue.NewPublisher(redisClient, cfg.Notify.Stream)
	notifier := notify.NewStreamSender(taskQueue, logger)

	custom := provider.NewCustom(tokens, sessions, identities, cfg.Cookie.Name, logger)
	resolver := provider.NewResolver(custom, newDelegated(cfg, identities, redisClient, logger), logger)

	var bus service.RevocationPublisher
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL, nats.Name("portalauth-api"))
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect nats")
		}
		bus = natsbus.NewPublisher(natsConn, cfg.NATS.RevokedSubject)
		responder := natsbus.NewVerifyResponder(custom, logger)
		if _, err := responder.Subscribe(natsConn, cfg.NATS.VerifySubject, cfg.NATS.VerifyQueue); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe verify responder")
		}
	}

	broadcaster := service.NewLogoutBroadcaster(sessions, auditLogger, bus, logger)

	authService := service.NewAuthService(service.AuthDeps{
		Identities:     identities,
		Sessions:       sessions,
		Custom:         custom,
		Providers:      resolver,
		Hasher:         hasher,
		Limiter:        limiter,
		Lockout:        lockout.NewPolicy(lockout.DefaultTiers),
		Anomaly:        detector,
		Reputation:     reputation.NewClient(reputationOptions(cfg.Reputation), logger),
		Audit:          auditLogger,
		Notifier:       notifier,
		Broadcaster:    broadcaster,
		AnomalyTimeout: cfg.Anomaly.CheckTimeout,
	}, logger)

	accountService := service.NewAccountService(service.AccountDeps{
		Identities:       identities,
		Tokens:           oneTimeTokens,
		Hasher:           hasher,
		Breach:           security.NoopBreachChecker{},
		Limiter:          limiter,
		Audit:            auditLogger,
		Notifier:         notifier,
		Broadcaster:      broadcaster,
		ActivationTTL:    cfg.Tokens.ActivationTTL,
		PasswordResetTTL: cfg.Tokens.PasswordResetTTL,
	}, logger)

	controller := migration.NewController(identities, broadcaster, accountService, auditLogger,
		migration.Options{RollbackWindow: cfg.Migration.RollbackWindow}, logger)

	handlerSet := handlers.NewHandlerSet(logger, handlers.Deps{
		Auth:        authService,
		Accounts:    accountService,
		Migration:   controller,
		Broadcaster: broadcaster,
		Resolver:    resolver,
		Inspector:   custom,
		Cookie: handlers.CookieSettings{
			Name:   cfg.Cookie.Name,
			Domain: cfg.Cookie.Domain,
			Secure: cfg.Cookie.Secure,
		},
		Internal: handlers.InternalSettings{
			Secret:  cfg.Internal.SharedSecret,
			MaxSkew: cfg.Internal.MaxSkew,
			Redis:   redisClient,
		},
		Checks: map[string]handlers.HealthCheck{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		Environment: cfg.Environment,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, auditLogger, natsConn, dbPool, redisClient)
}

func newDetector(cfg *config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (*anomaly.Detector, *anomaly.GeoIPResolver) {
	zones, err := anomaly.NewTimeZones(cfg.Anomaly.ReferenceTimezone, cfg.Anomaly.TenantTimezones)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid anomaly time zones")
	}

	resolvers := anomaly.EdgeHeaderResolvers()
	var geoip *anomaly.GeoIPResolver
	if cfg.Anomaly.GeoIPDatabase != "" {
		geoip, err = anomaly.OpenGeoIP(cfg.Anomaly.GeoIPDatabase)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Anomaly.GeoIPDatabase).Msg("geoip database unavailable, using edge headers only")
		} else {
			resolvers = append(resolvers, geoip)
		}
	}

	locator := anomaly.NewLocator(cfg.Anomaly.LookupTimeout, resolvers...)
	return anomaly.NewDetector(rdb, locator, zones, anomaly.Options{}, logger), geoip
}

// newDelegated returns nil when no legacy provider key is configured, in
// which case only custom sessions are accepted.
func newDelegated(cfg *config.AppConfig, identities provider.IdentityLookup, rdb redis.Cmdable, logger zerolog.Logger) provider.Provider {
	if cfg.Delegated.PublicKey == "" && cfg.Delegated.PublicKeyPath == "" {
		return nil
	}
	key, err := security.ParseRSAPublicKey(cfg.Delegated.PublicKey, cfg.Delegated.PublicKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid delegated provider key")
	}
	return provider.NewDelegated(provider.DelegatedOptions{
		PublicKey:  key,
		Issuer:     cfg.Delegated.Issuer,
		Audience:   cfg.Delegated.Audience,
		CookieName: cfg.Delegated.CookieName,
		Leeway:     cfg.Security.TokenLeeway,
	}, identities, rdb, logger)
}

func reputationOptions(cfg config.ReputationConfig) reputation.Options {
	return reputation.Options{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		RiskThreshold:     cfg.RiskThreshold,
	}
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, auditLogger *audit.Logger, nc *nats.Conn, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Error().Err(err).Msg("nats drain error")
		}
	}

	// Flush buffered audit events before the database goes away.
	auditLogger.Close()

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
