package codequery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

// EmbedQuery returns the query vector, or nil when embedding fails.
func EmbedQuery(ctx context.Context, e ai.Embedder, query string) []float32 {
	vec, err := e.EmbedQuery(ctx, strings.TrimSpace(query))
	if err != nil {
		log.Warn().Err(err).Msg("query embedding failed, continuing without a vector")
		return nil
	}
	return vec
}

// Retrieve returns up to k chunks from the selected files of scope, nearest
// to vec first. When vec is nil or the similarity search errors, an unranked
// metadata query over the same filter is used instead.
func Retrieve(ctx context.Context, s store.ChunkStore, vec []float32, scope Scope, selected []string, k int) ([]models.RelevantChunk, error) {
	if len(selected) == 0 || k <= 0 {
		return []models.RelevantChunk{}, nil
	}
	f := scope.filter(selected)

	if len(vec) > 0 {
		res, err := s.SearchChunks(ctx, vec, k, f)
		if err == nil {
			return confine(res, f, k), nil
		}
		log.Warn().Err(err).Msg("vector search failed, falling back to metadata query")
	}

	found, err := s.FindChunks(ctx, k, f)
	if err != nil {
		return nil, fmt.Errorf("fallback query: %w", err)
	}
	res := make([]models.RelevantChunk, len(found))
	for i, c := range found {
		res[i] = models.RelevantChunk{Chunk: c}
	}
	return confine(res, f, k), nil
}

// confine drops anything outside f and renumbers ranks.
func confine(in []models.RelevantChunk, f store.ChunkFilter, k int) []models.RelevantChunk {
	allowed := make(map[string]struct{}, len(f.FilePaths))
	for _, p := range f.FilePaths {
		allowed[p] = struct{}{}
	}
	out := make([]models.RelevantChunk, 0, min(len(in), k))
	for _, rc := range in {
		if rc.Chunk.AccountID != f.AccountID || rc.Chunk.Repo != f.Repo {
			continue
		}
		if _, ok := allowed[rc.Chunk.FilePath]; !ok {
			continue
		}
		rc.Rank = len(out)
		out = append(out, rc)
		if len(out) == k {
			break
		}
	}
	return out
}

// BuildContext renders chunks as "File: path" blocks separated by blank lines.
func BuildContext(chunks []models.RelevantChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, rc := range chunks {
		fp := rc.Chunk.FilePath
		if fp == "" {
			fp = "unknown"
		}
		parts = append(parts, "File: "+fp+"\n"+rc.Chunk.Content)
	}
	return strings.Join(parts, "\n\n")
}

func answerPrompt(query, code string) string {
	return "User query: " + query + "\nRelevant code:\n" + code +
		"\n\nAnswer the user's question using the code above. When referencing code, mention the file path. " +
		"Keep the answer concise."
}

// Answer asks the model once to answer query from chunks. The model text is
// returned as is, even when empty; model errors are returned unchanged.
func Answer(ctx context.Context, gen ai.Generator, query string, chunks []models.RelevantChunk) (string, error) {
	return gen.Generate(ctx, answerPrompt(query, BuildContext(chunks)))
}
