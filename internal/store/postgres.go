package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/codelense/pkg/models"
)

// Postgres stores chunks in a pgvector table with an HNSW cosine index.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres store connected to the given database URL.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: p}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Migrate applies necessary database migrations and schema setup.
func (s *Postgres) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS codechunk (
  id            TEXT PRIMARY KEY,
  account_id    TEXT NOT NULL,
  repo          TEXT NOT NULL,
  filepath      TEXT NOT NULL,
  chunk_index   INT  NOT NULL,
  content       TEXT NOT NULL,
  content_hash  TEXT NOT NULL DEFAULT '',
  created_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  embedding     vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS codechunk_scope_idx
  ON codechunk (account_id, repo, filepath, chunk_index);

CREATE INDEX IF NOT EXISTS codechunk_hash_idx
  ON codechunk (account_id, repo, filepath, content_hash);

DROP INDEX IF EXISTS codechunk_embedding_idx;

CREATE TABLE IF NOT EXISTS repofilelists (
  account_id  TEXT NOT NULL,
  repo        TEXT NOT NULL,
  filepaths   TEXT[] NOT NULL DEFAULT '{}',
  updated_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  PRIMARY KEY (account_id, repo)
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// GetFileCatalog returns the manifest for (accountID, repo).
func (s *Postgres) GetFileCatalog(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error) {
	c := models.FileCatalog{AccountID: accountID, Repo: repo}
	err := s.pool.QueryRow(ctx,
		`SELECT filepaths, updated_at FROM repofilelists WHERE account_id = $1 AND repo = $2`,
		accountID, repo,
	).Scan(&c.FilePaths, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.FileCatalog{}, false, nil
		}
		return models.FileCatalog{}, false, err
	}
	return c, true, nil
}

// UpsertFileCatalog replaces the manifest for (c.AccountID, c.Repo).
func (s *Postgres) UpsertFileCatalog(ctx context.Context, c models.FileCatalog) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	if c.FilePaths == nil {
		c.FilePaths = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repofilelists (account_id, repo, filepaths, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, repo) DO UPDATE SET
			filepaths  = EXCLUDED.filepaths,
			updated_at = EXCLUDED.updated_at`,
		c.AccountID, c.Repo, c.FilePaths, c.UpdatedAt,
	)
	return err
}

// InsertChunks writes all chunks in a single transaction using one batch.
func (s *Postgres) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	const q = `
		INSERT INTO codechunk (
			id, account_id, repo, filepath, chunk_index, content, content_hash, created_at, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, c := range chunks {
			b.Queue(q, c.ID, c.AccountID, c.Repo, c.FilePath, c.ChunkIndex, c.Content,
				c.ContentHash, c.CreatedAt, pgvector.NewVector(c.Embedding))
		}
		br := tx.SendBatch(ctx, b)
		for range chunks {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return br.Close()
	})
}

// HasChunks reports whether a file version has already been embedded.
func (s *Postgres) HasChunks(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM codechunk
			WHERE account_id = $1 AND repo = $2 AND filepath = $3 AND content_hash = $4
		)`, accountID, repo, filepath, contentHash,
	).Scan(&ok)
	return ok, err
}

// scopeClause renders the WHERE clause for f with placeholders starting at
// argStart.
func scopeClause(f ChunkFilter, argStart int) (string, []any) {
	where := fmt.Sprintf("account_id = $%d AND repo = $%d", argStart, argStart+1)
	args := []any{f.AccountID, f.Repo}
	if len(f.FilePaths) > 0 {
		where += fmt.Sprintf(" AND filepath = ANY($%d)", argStart+2)
		args = append(args, f.FilePaths)
	}
	return where, args
}

const chunkColumns = "id, account_id, repo, filepath, chunk_index, content, content_hash, created_at"

// searchQuery ranks the scoped rows exactly. The HNSW index filters after its
// candidate scan (ef_search rows over every tenant), so an indexed ORDER BY on
// the shared table can return nothing for a small scope. Materializing the
// scope first keeps the planner off the index. $1 is the query vector.
func searchQuery(f ChunkFilter, k int) (string, []any) {
	where, args := scopeClause(f, 2)
	q := fmt.Sprintf(`
		WITH scoped AS MATERIALIZED (
			SELECT %s, embedding
			FROM codechunk
			WHERE %s
		)
		SELECT %s, 1 - (embedding <=> $1) AS score
		FROM scoped
		ORDER BY embedding <=> $1
		LIMIT %d`, chunkColumns, where, chunkColumns, k)
	return q, args
}

// SearchChunks orders chunks in scope by cosine distance to vec.
func (s *Postgres) SearchChunks(ctx context.Context, vec []float32, k int, f ChunkFilter) ([]models.RelevantChunk, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	q, args := searchQuery(f, k)
	args = append([]any{pgvector.NewVector(vec)}, args...)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RelevantChunk
	for rows.Next() {
		var c models.Chunk
		var score float64
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Repo, &c.FilePath, &c.ChunkIndex,
			&c.Content, &c.ContentHash, &c.CreatedAt, &score); err != nil {
			return nil, err
		}
		out = append(out, models.RelevantChunk{Chunk: c, Rank: len(out), Score: score})
	}
	return out, rows.Err()
}

// FindChunks returns up to k chunks in scope without relevance ordering.
func (s *Postgres) FindChunks(ctx context.Context, k int, f ChunkFilter) ([]models.Chunk, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	where, args := scopeClause(f, 1)
	q := fmt.Sprintf(`SELECT %s FROM codechunk WHERE %s ORDER BY filepath, chunk_index LIMIT %d`,
		chunkColumns, where, k)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Repo, &c.FilePath, &c.ChunkIndex,
			&c.Content, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping checks the database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
