package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/api"
	"github.com/seanblong/codelense/internal/auth"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/codequery"
	"github.com/seanblong/codelense/internal/config"
	"github.com/seanblong/codelense/internal/github"
	"github.com/seanblong/codelense/internal/ratelimit"
	"github.com/seanblong/codelense/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("codelense-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("store", cfg.StoreBackend).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting codelense api")

	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid provider")
	}

	ctx := context.Background()
	c, err := ai.NewClient(ctx, &ai.ClientConfig{
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Provider:   provider,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create AI client")
	}
	dim := c.Dim()
	if dim == 0 {
		logger.Fatal().Msg("embedding dimension must be set")
	}
	logger.Info().Int("embedding_dim", dim).Str("embed_model", cfg.EmbedModel).Msg("AI client initialized")

	st, err := store.Open(ctx, cfg.StoreBackend, cfg.Database, store.Options{
		Database:      cfg.DatabaseName,
		VectorIndex:   cfg.VectorIndex,
		NumCandidates: cfg.Pipeline.NumCandidates,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	if err := st.Migrate(ctx, dim); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	// Without app credentials no file content can be fetched; answers then
	// come from chunks already in the store.
	var content codequery.ContentSource
	if cfg.GithubAppID != 0 {
		gh, err := github.New(github.Config{
			AppID:      strconv.FormatInt(cfg.GithubAppID, 10),
			PrivateKey: cfg.GithubPrivateKey,
			APIURL:     cfg.GithubAPIURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create github client")
		}
		content = gh
	} else {
		logger.Warn().Msg("github app not configured, file content fetch disabled")
	}

	limiter, err := newLimiter(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rate limiter")
	}

	dedup, err := codequery.ParseDedup(cfg.Pipeline.Dedup)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid dedup policy")
	}

	pipeline := codequery.New(
		st,
		ai.WithQueryCache(c, cfg.EmbedModel, cfg.QueryCache.Size, cfg.QueryCache.TTL),
		c,
		content,
		chunker.New(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
		codequery.Options{
			TopFiles:      cfg.Pipeline.TopFiles,
			TopK:          cfg.Pipeline.TopK,
			ReadyAttempts: cfg.Pipeline.ReadyAttempts,
			ReadyDelay:    cfg.Pipeline.ReadyDelay,
			Dedup:         dedup,
		},
	)

	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
	if auth.IsAuthEnabled() {
		logger.Info().Msg("authentication is ENABLED")
	} else {
		logger.Info().Msg("authentication is DISABLED - running in open mode")
	}

	srv := api.New(pipeline, limiter, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(srv.Routes(cfg.CORSOrigins)),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	logger.Fatal().Err(s.ListenAndServe()).Msg("server stopped")
}

// newLimiter returns a Redis-backed limiter when redisAddr is set so that
// several replicas share one window per account.
func newLimiter(ctx context.Context, cfg config.Specification) (ratelimit.Limiter, error) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("using redis rate limiter")
	return ratelimit.NewRedis(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window), nil
}
