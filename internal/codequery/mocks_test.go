package codequery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

// MockStore implements store.ChunkStore for testing
type MockStore struct {
	mu sync.Mutex

	GetFileCatalogFunc func(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error)
	InsertChunksFunc   func(ctx context.Context, chunks []models.Chunk) error
	HasChunksFunc      func(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error)
	SearchChunksFunc   func(ctx context.Context, vec []float32, k int, f store.ChunkFilter) ([]models.RelevantChunk, error)
	FindChunksFunc     func(ctx context.Context, k int, f store.ChunkFilter) ([]models.Chunk, error)

	InsertCalls    int
	Inserted       []models.Chunk
	HasChunksCalls int
	SearchFilters  []store.ChunkFilter
	SearchLimits   []int
	FindFilters    []store.ChunkFilter
	FindLimits     []int
}

func (m *MockStore) GetFileCatalog(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error) {
	if m.GetFileCatalogFunc != nil {
		return m.GetFileCatalogFunc(ctx, accountID, repo)
	}
	return models.FileCatalog{}, false, nil
}

func (m *MockStore) UpsertFileCatalog(ctx context.Context, c models.FileCatalog) error { return nil }

func (m *MockStore) Migrate(ctx context.Context, dim int) error { return nil }

func (m *MockStore) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	m.InsertCalls++
	m.Inserted = append(m.Inserted, chunks...)
	m.mu.Unlock()
	if m.InsertChunksFunc != nil {
		return m.InsertChunksFunc(ctx, chunks)
	}
	return nil
}

func (m *MockStore) HasChunks(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
	m.mu.Lock()
	m.HasChunksCalls++
	m.mu.Unlock()
	if m.HasChunksFunc != nil {
		return m.HasChunksFunc(ctx, accountID, repo, filepath, contentHash)
	}
	return false, nil
}

func (m *MockStore) SearchChunks(ctx context.Context, vec []float32, k int, f store.ChunkFilter) ([]models.RelevantChunk, error) {
	m.mu.Lock()
	m.SearchFilters = append(m.SearchFilters, f)
	m.SearchLimits = append(m.SearchLimits, k)
	m.mu.Unlock()
	if m.SearchChunksFunc != nil {
		return m.SearchChunksFunc(ctx, vec, k, f)
	}
	return nil, nil
}

func (m *MockStore) FindChunks(ctx context.Context, k int, f store.ChunkFilter) ([]models.Chunk, error) {
	m.mu.Lock()
	m.FindFilters = append(m.FindFilters, f)
	m.FindLimits = append(m.FindLimits, k)
	m.mu.Unlock()
	if m.FindChunksFunc != nil {
		return m.FindChunksFunc(ctx, k, f)
	}
	return nil, nil
}

func (m *MockStore) Ping(ctx context.Context) error { return nil }

func (m *MockStore) Close() {}

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	EmbedDocumentsFunc func(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQueryFunc     func(ctx context.Context, text string) ([]float32, error)
	DimValue           int

	DocumentCalls int
	QueryCalls    int
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	m.DocumentCalls++
	if m.EmbedDocumentsFunc != nil {
		return m.EmbedDocumentsFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i + 1), 0, 0}
	}
	return out, nil
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.QueryCalls++
	if m.EmbedQueryFunc != nil {
		return m.EmbedQueryFunc(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

func (m *MockEmbedder) Dim() int {
	if m.DimValue > 0 {
		return m.DimValue
	}
	return 3
}

// MockLLM implements ai.Generator for testing. GenerateJSONFunc returns the raw
// JSON the model would have produced.
type MockLLM struct {
	GenerateFunc     func(ctx context.Context, prompt string) (string, error)
	GenerateJSONFunc func(ctx context.Context, prompt string) (string, error)

	Prompts   []string
	JSONCalls int
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "mock answer", nil
}

func (m *MockLLM) GenerateJSON(ctx context.Context, prompt string, schema *ai.Schema, out any) error {
	m.JSONCalls++
	if m.GenerateJSONFunc == nil {
		return errors.New("no structured output configured")
	}
	raw, err := m.GenerateJSONFunc(ctx, prompt)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// MockSource implements ContentSource from an in-memory map
type MockSource struct {
	Files map[string]string
	Errs  map[string]error
	Calls []string
}

func (m *MockSource) GetFileContent(ctx context.Context, installationID int64, owner, repo, path string) (string, error) {
	m.Calls = append(m.Calls, path)
	if err, ok := m.Errs[path]; ok {
		return "", err
	}
	c, ok := m.Files[path]
	if !ok {
		return "", errors.New("not found")
	}
	return c, nil
}
