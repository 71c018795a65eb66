// Package codequery answers questions about a repository by selecting likely
// files, embedding their content on demand and retrieving the closest chunks.
package codequery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

const (
	DefaultTopFiles      = 3
	DefaultTopK          = 5
	DefaultReadyAttempts = 8
	DefaultReadyDelay    = 2 * time.Second
)

// ContentSource fetches a single file from a repository host.
type ContentSource interface {
	GetFileContent(ctx context.Context, installationID int64, owner, repo, path string) (string, error)
}

// Scope identifies the tenant and repository every read and write is bound to.
type Scope struct {
	AccountID string
	Repo      string
}

func (s Scope) filter(paths []string) store.ChunkFilter {
	return store.ChunkFilter{AccountID: s.AccountID, Repo: s.Repo, FilePaths: paths}
}

// Options tune the pipeline. Zero values take the package defaults.
type Options struct {
	TopFiles      int
	TopK          int
	ReadyAttempts int
	ReadyDelay    time.Duration
	Dedup         DedupPolicy
}

func (o Options) withDefaults() Options {
	if o.TopFiles <= 0 {
		o.TopFiles = DefaultTopFiles
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = DefaultReadyAttempts
	}
	if o.ReadyDelay < 0 {
		o.ReadyDelay = 0
	}
	if o.Dedup == "" {
		o.Dedup = DedupContentHash
	}
	return o
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	Store    store.ChunkStore
	Embedder ai.Embedder
	LLM      ai.Generator
	Content  ContentSource
	Splitter *chunker.Splitter
	Options  Options

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a Pipeline with defaults applied.
func New(st store.ChunkStore, emb ai.Embedder, llm ai.Generator, src ContentSource, splitter *chunker.Splitter, opt Options) *Pipeline {
	if splitter == nil {
		splitter = chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
	}
	return &Pipeline{
		Store:    st,
		Embedder: emb,
		LLM:      llm,
		Content:  src,
		Splitter: splitter,
		Options:  opt.withDefaults(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes every stage for req and returns the synthesized answer.
func (p *Pipeline) Run(ctx context.Context, req models.QueryRequest) (string, error) {
	scope := Scope{AccountID: req.AccountID, Repo: req.Repo}
	if strings.TrimSpace(scope.AccountID) == "" || strings.TrimSpace(scope.Repo) == "" {
		return "", errors.New("account_id and repo are required")
	}
	opt := p.Options.withDefaults()
	logger := log.With().Str("account_id", scope.AccountID).Str("repo", scope.Repo).Logger()

	catalog, err := p.loadCatalog(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("load file catalog: %w", err)
	}

	selected := SelectFiles(ctx, p.LLM, req.UserQuery, catalog, opt.TopFiles)
	logger.Info().Strs("files", selected).Int("catalog", len(catalog)).Msg("selected files")

	files := FetchContents(ctx, p.Content, req.InstallationID, req.Owner, req.Repo, selected)
	logger.Info().Int("fetched", len(files)).Msg("fetched file contents")

	idx, err := IndexFiles(ctx, IndexInput{
		Scope:    scope,
		Files:    files,
		Splitter: p.Splitter,
		Embedder: p.Embedder,
		Store:    p.Store,
		Dedup:    opt.Dedup,
		Now:      p.now,
	})
	if err != nil {
		return "", fmt.Errorf("chunk and embed: %w", err)
	}
	logger.Info().Int("written", len(idx.Written)).Strs("skipped", idx.Skipped).Msg("indexed selected files")

	if len(idx.Written) > 0 {
		probe := idx.Written[0].Embedding
		if len(probe) == 0 {
			probe = make([]float32, p.Embedder.Dim())
		}
		WaitForIndex(ctx, p.Store, scope, probe, opt.ReadyAttempts, opt.ReadyDelay, p.sleep)
	}

	vec := EmbedQuery(ctx, p.Embedder, req.UserQuery)

	chunks, err := Retrieve(ctx, p.Store, vec, scope, selected, opt.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieve chunks: %w", err)
	}
	logger.Info().Int("chunks", len(chunks)).Msg("retrieved relevant chunks")

	return Answer(ctx, p.LLM, req.UserQuery, chunks)
}

func (p *Pipeline) loadCatalog(ctx context.Context, scope Scope) ([]string, error) {
	c, ok, err := p.Store.GetFileCatalog(ctx, scope.AccountID, scope.Repo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.FilePaths, nil
}
