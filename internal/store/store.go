package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seanblong/codelense/pkg/models"
)

const (
	ChunkCollection   = "codechunk"
	CatalogCollection = "repofilelists"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported store backend")
	ErrEmptyVector        = errors.New("query vector is empty")
)

// ChunkFilter scopes every chunk read. AccountID and Repo are mandatory; an
// empty FilePaths means any path within the repository.
type ChunkFilter struct {
	AccountID string
	Repo      string
	FilePaths []string
}

func (f ChunkFilter) validate() error {
	if strings.TrimSpace(f.AccountID) == "" || strings.TrimSpace(f.Repo) == "" {
		return errors.New("chunk filter requires account and repo")
	}
	return nil
}

// CatalogStore reads and writes repository file manifests.
type CatalogStore interface {
	GetFileCatalog(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error)
	UpsertFileCatalog(ctx context.Context, c models.FileCatalog) error
}

// ChunkStore defines the vector store operations used by the query pipeline.
type ChunkStore interface {
	CatalogStore
	Migrate(ctx context.Context, dim int) error
	// InsertChunks appends all chunks in one bulk write.
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
	// HasChunks reports whether chunks of a file with the given content hash exist.
	HasChunks(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error)
	// SearchChunks is an approximate nearest-neighbour search within f.
	SearchChunks(ctx context.Context, vec []float32, k int, f ChunkFilter) ([]models.RelevantChunk, error)
	// FindChunks is an exact-match metadata query within f, unranked.
	FindChunks(ctx context.Context, k int, f ChunkFilter) ([]models.Chunk, error)
	Ping(ctx context.Context) error
	Close()
}

// Options tune backend behaviour.
type Options struct {
	Database      string // mongo database name
	VectorIndex   string // mongo atlas vector index name
	NumCandidates int
}

// Open connects to the named backend.
func Open(ctx context.Context, backend, url string, opt Options) (ChunkStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "postgres", "pgvector":
		return NewPostgres(ctx, url)
	case "mongo", "mongodb":
		return NewMongo(ctx, url, opt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}
