package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// CachedEmbedder memoizes query embeddings. Document embeddings pass through
// untouched since chunk records are persisted by the store anyway.
type CachedEmbedder struct {
	next  Embedder
	model string
	cache *expirable.LRU[string, []float32]
}

// WithQueryCache wraps e with an LRU of query vectors. A non-positive size or
// ttl disables caching and returns e unchanged.
func WithQueryCache(e Embedder, model string, size int, ttl time.Duration) Embedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &CachedEmbedder{
		next:  e,
		model: model,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedDocuments(ctx, texts)
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if v, ok := c.cache.Get(key); ok {
		log.Debug().Msg("query embedding cache hit")
		return clone(v), nil
	}
	v, err := c.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(v))
	return v, nil
}

func (c *CachedEmbedder) Dim() int { return c.next.Dim() }

func (c *CachedEmbedder) key(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
