package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/bootstrap"
	"github.com/smallbiznis/authgate/internal/config"
	"github.com/smallbiznis/authgate/internal/failban"
	httptransport "github.com/smallbiznis/authgate/internal/http"
	"github.com/smallbiznis/authgate/internal/http/handler"
	"github.com/smallbiznis/authgate/internal/jwt"
	apimiddleware "github.com/smallbiznis/authgate/internal/middleware"
	"github.com/smallbiznis/authgate/internal/ratelimit"
	"github.com/smallbiznis/authgate/internal/repository"
	"github.com/smallbiznis/authgate/internal/server"
	"github.com/smallbiznis/authgate/internal/service"
	"github.com/smallbiznis/authgate/internal/session"
	"github.com/smallbiznis/authgate/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newClientRepository,
			newCodeRepository,
			newKeyRepository,
			newUserRepository,
			newAPIKeyRepository,
			newRevocationStore,
			newKeyManager,
			jwt.NewSigner,
			newRules,
			newFailbanStore,
			newFailbanManager,
			newRateLimiter,
			newBackstop,
			newSessionCodec,
			newCookieOptions,
			service.NewTokenService,
			service.NewClientService,
			service.NewUserService,
			service.NewDiscoveryService,
			newResolver,
			handler.NewAuthHandler,
			handler.NewAdminHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, ensureSigningKey, bootstrap.EnsureAdmin, bootstrap.EnsureDefaultClient, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// newPGXPool returns a nil pool when DATABASE_URL is unset; repositories
// fall back to in-memory implementations in that case.
func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

// newRedisClient returns nil when REDIS_ADDR is unset; revocation and ban
// state then stay process-local.
func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, revocation and ban state are process-local")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	if pool == nil {
		return repository.NewMemoryClientRepo()
	}
	return repository.NewPostgresClientRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	if pool == nil {
		return repository.NewMemoryCodeRepo()
	}
	return repository.NewPostgresCodeRepo(pool)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	if pool == nil {
		return repository.NewMemoryKeyRepo()
	}
	return repository.NewPostgresKeyRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	if pool == nil {
		return repository.NewMemoryUserRepo()
	}
	return repository.NewPostgresUserRepo(pool)
}

func newAPIKeyRepository(pool *pgxpool.Pool) repository.APIKeyRepository {
	if pool == nil {
		return repository.NewMemoryAPIKeyRepo()
	}
	return repository.NewPostgresAPIKeyRepo(pool)
}

func newRevocationStore(client redis.UniversalClient) repository.RevocationStore {
	if client == nil {
		return repository.NewMemoryRevocationStore()
	}
	return repository.NewRedisRevocationStore(client)
}

func newKeyManager(repo repository.KeyRepository) *jwt.KeyManager {
	return jwt.NewKeyManager(repo)
}

// newRules loads the rules file and applies defaults: the admin surface is
// never left unauthenticated, and the interactive endpoints get conservative
// quotas unless the operator says otherwise.
func newRules(cfg config.Config, logger *zap.Logger) (config.RulesFile, error) {
	rules, err := cfg.LoadRules()
	if err != nil {
		return config.RulesFile{}, err
	}
	if len(rules.Auth) == 0 {
		rules.Auth = []authn.RuleConfig{
			{Pattern: "/admin/**", Drivers: []string{"oauth2", "oidc", "api_key"}, Strategy: authn.StrategyAny},
		}
	}
	if len(rules.RateLimit) == 0 {
		rules.RateLimit = []ratelimit.Rule{
			{Pattern: "/auth/login", Limit: 10, Window: time.Minute, SkipSuccessful: true},
			{Pattern: "/auth/token", Limit: 60, Window: time.Minute},
			{Pattern: "/oauth/register", Limit: 10, Window: time.Minute},
		}
	}
	logger.Info("request rules loaded", zap.Int("auth_rules", len(rules.Auth)), zap.Int("rate_limit_rules", len(rules.RateLimit)))
	return rules, nil
}

func newFailbanStore(client redis.UniversalClient) failban.Store {
	if client == nil {
		return failban.NewMemoryStore()
	}
	return failban.NewRedisStore(client)
}

func newFailbanManager(store failban.Store, cfg config.Config, logger *zap.Logger) *failban.Manager {
	return failban.NewManager(store, failban.Options{
		MaxViolations: cfg.FailbanMaxViolations,
		Window:        cfg.FailbanWindow,
		BanDuration:   cfg.FailbanDuration,
		Whitelist:     cfg.FailbanWhitelist,
		Blacklist:     cfg.FailbanBlacklist,
	}, logger)
}

func newRateLimiter(rules config.RulesFile) *ratelimit.Limiter {
	return ratelimit.NewLimiter(rules.RateLimit)
}

func newBackstop(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newSessionCodec(cfg config.Config) *session.Codec {
	return session.NewCodec([]byte(cfg.SessionSecret), cfg.CookieMaxAge, cfg.SessionAbsoluteTTL, cfg.SessionRollingTTL)
}

func newCookieOptions(cfg config.Config) authn.CookieOptions {
	return authn.CookieOptions{
		Name:   cfg.CookieName,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	}
}

// sessionRefresher adapts the refresh grant to the session driver.
type sessionRefresher struct {
	tokens *service.TokenService
}

func (r sessionRefresher) Refresh(ctx context.Context, refreshToken, issuer string) (string, string, string, int, error) {
	resp, err := r.tokens.RefreshGrant(ctx, refreshToken, "", issuer)
	if err != nil {
		return "", "", "", 0, err
	}
	return resp.AccessToken, resp.RefreshToken, resp.IDToken, resp.ExpiresIn, nil
}

func newResolver(
	cfg config.Config,
	rules config.RulesFile,
	tokens *service.TokenService,
	users repository.UserRepository,
	apiKeys repository.APIKeyRepository,
	codec *session.Codec,
	cookie authn.CookieOptions,
	bans *failban.Manager,
	logger *zap.Logger,
) (*authn.Resolver, error) {
	drivers := []authn.Driver{
		authn.NewJWTDriver(tokens, cfg.Issuer),
		authn.NewOAuth2Driver(tokens, tokens, cfg.Issuer),
		authn.NewAPIKeyDriver(apiKeys, users),
		authn.NewBasicDriver(users),
		authn.NewSessionDriver(codec, sessionRefresher{tokens: tokens}, cfg.Issuer, cookie, cfg.RefreshThreshold, logger),
	}
	return authn.NewResolver(drivers, rules.Auth, bans, logger)
}

func ensureSigningKey(keys *jwt.KeyManager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return keys.EnsureSigningKey(ctx)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
