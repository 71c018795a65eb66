package codequery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

// DedupPolicy decides whether a fetched file is embedded again.
type DedupPolicy string

const (
	// DedupNone embeds and appends every fetched file on every query.
	DedupNone DedupPolicy = "none"
	// DedupContentHash skips files whose (account, repo, path, content hash)
	// already has chunks.
	DedupContentHash DedupPolicy = "content-hash"
)

// ParseDedup maps a configured name onto a DedupPolicy.
func ParseDedup(s string) (DedupPolicy, error) {
	switch DedupPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DedupContentHash, "hash":
		return DedupContentHash, nil
	case DedupNone, "off":
		return DedupNone, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

// ContentHash is the hex sha256 of file content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IndexInput is everything IndexFiles needs.
type IndexInput struct {
	Scope    Scope
	Files    []FetchedFile
	Splitter *chunker.Splitter
	Embedder ai.Embedder
	Store    store.ChunkStore
	Dedup    DedupPolicy
	Now      func() time.Time
}

// IndexResult reports what IndexFiles wrote.
type IndexResult struct {
	Written []models.Chunk
	Skipped []string
}

// IndexFiles splits each file, embeds every segment in one call and persists
// the records in one bulk write. Chunk indices restart at 0 for every file.
func IndexFiles(ctx context.Context, in IndexInput) (IndexResult, error) {
	now := in.Now
	if now == nil {
		now = time.Now
	}
	var res IndexResult
	var pending []models.Chunk

	for _, f := range in.Files {
		hash := ContentHash(f.Content)
		if in.Dedup == DedupContentHash {
			exists, err := in.Store.HasChunks(ctx, in.Scope.AccountID, in.Scope.Repo, f.Path, hash)
			if err != nil {
				log.Warn().Err(err).Str("path", f.Path).Msg("dedup lookup failed, embedding anyway")
			} else if exists {
				res.Skipped = append(res.Skipped, f.Path)
				continue
			}
		}

		ts := now().UTC()
		for i, seg := range in.Splitter.Split(f.Content) {
			pending = append(pending, models.Chunk{
				ID:          uuid.NewString(),
				AccountID:   in.Scope.AccountID,
				Repo:        in.Scope.Repo,
				FilePath:    f.Path,
				ChunkIndex:  i,
				Content:     seg,
				ContentHash: hash,
				CreatedAt:   ts,
			})
		}
	}
	if len(pending) == 0 {
		return res, nil
	}

	texts := make([]string, len(pending))
	for i := range pending {
		texts[i] = pending[i].Content
	}
	vecs, err := in.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("embed %d chunks: %w", len(texts), err)
	}
	if len(vecs) != len(pending) {
		return res, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(pending))
	}
	for i := range pending {
		pending[i].Embedding = vecs[i]
	}

	if err := in.Store.InsertChunks(ctx, pending); err != nil {
		return res, fmt.Errorf("persist %d chunks: %w", len(pending), err)
	}
	res.Written = pending
	return res, nil
}

// WaitForIndex polls the store with a single-result similarity probe until the
// scope becomes searchable or attempts run out. Probe errors count as not
// ready. It reports whether the index answered, and never fails the caller.
func WaitForIndex(ctx context.Context, s store.ChunkStore, scope Scope, probe []float32, attempts int, delay time.Duration,
	sleep func(context.Context, time.Duration) error) bool {
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := log.With().Str("account_id", scope.AccountID).Str("repo", scope.Repo).Logger()
	start := time.Now()

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.SearchChunks(ctx, probe, 1, scope.filter(nil))
		switch {
		case err != nil:
			logger.Debug().Err(err).Int("attempt", attempt).Msg("vector index probe failed")
		case len(res) > 0:
			logger.Info().Dur("waited", time.Since(start)).Int("attempt", attempt).Msg("vector index ready")
			return true
		default:
			logger.Debug().Int("attempt", attempt).Msg("vector index not ready")
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			logger.Warn().Err(err).Msg("index wait interrupted, proceeding")
			return false
		}
	}
	logger.Warn().Int("attempts", attempts).Msg("vector index not ready, proceeding anyway")
	return false
}
