package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/codequery"
	"github.com/seanblong/codelense/internal/config"
	"github.com/seanblong/codelense/internal/github"
	"github.com/seanblong/codelense/internal/indexer"
	"github.com/seanblong/codelense/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("codelense-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if cfg.AccountID == "" || cfg.RepoName == "" {
		log.Fatal().Msg("account-id and repo-name are required")
	}

	ctx := context.Background()

	var src indexer.Source
	switch strings.ToLower(cfg.IndexSource) {
	case "github", "":
		if cfg.InstallationID == 0 {
			log.Fatal().Msg("installation-id is required for the github source")
		}
		gh, err := github.New(github.Config{
			AppID:      strconv.FormatInt(cfg.GithubAppID, 10),
			PrivateKey: cfg.GithubPrivateKey,
			APIURL:     cfg.GithubAPIURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create github client")
		}
		owner := cfg.RepoOwner
		if owner == "" {
			if i := strings.Index(cfg.RepoName, "/"); i > 0 {
				owner = cfg.RepoName[:i]
			}
		}
		src = &indexer.GitHubSource{
			Host:           gh,
			InstallationID: cfg.InstallationID,
			Owner:          owner,
			Repo:           cfg.RepoName,
			Ref:            cfg.GitRef,
		}
	case "local":
		src = indexer.NewLocalSource(cfg.RepoRoot)
	default:
		log.Fatal().Str("index_source", cfg.IndexSource).Msg("unsupported index source")
	}
	log.Info().Str("source", cfg.IndexSource).Str("repo", cfg.RepoName).Str("ref", cfg.GitRef).Msg("indexing repository")

	st, err := store.Open(ctx, cfg.StoreBackend, cfg.Database, store.Options{
		Database:      cfg.DatabaseName,
		VectorIndex:   cfg.VectorIndex,
		NumCandidates: cfg.Pipeline.NumCandidates,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	ix, err := indexer.New(st, src, cfg.AccountID, cfg.RepoName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create indexer")
	}

	// The catalog table is created alongside the chunk table, which needs
	// the embedding dimension.
	provider, err := ai.ParseProvider(cfg.Provider)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid provider")
	}
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
		log.Fatal().Err(err).Msg("failed to create AI client")
	}
	if c.Dim() == 0 {
		log.Fatal().Msg("embedding dimension must be set")
	}
	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	if cfg.Warm {
		dedup, err := codequery.ParseDedup(cfg.Pipeline.Dedup)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid dedup policy")
		}
		ix.Warmup = &indexer.Warmup{
			Chunks:   st,
			Embedder: c,
			Splitter: chunker.New(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
			Dedup:    dedup,
		}
	}

	cat, err := ix.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("indexing failed")
	}
	log.Info().Int("files", len(cat.FilePaths)).Time("updated_at", cat.UpdatedAt).Msg("done")
}
