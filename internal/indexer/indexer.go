package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/codequery"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Source enumerates the files of one repository snapshot.
type Source interface {
	// ListFiles returns repository-relative, slash-separated paths.
	ListFiles(ctx context.Context) ([]string, error)
	// ReadFile returns the text of a path returned by ListFiles.
	ReadFile(ctx context.Context, path string) (string, error)
}

// LocalSource walks a checkout on disk.
type LocalSource struct {
	Root       string
	Walker     FileSystemWalker
	FileReader FileReader
}

// NewLocalSource returns a LocalSource using godirwalk and os.
func NewLocalSource(root string) *LocalSource {
	return &LocalSource{Root: root, Walker: &DefaultFileSystemWalker{}, FileReader: &DefaultFileReader{}}
}

func (s *LocalSource) ListFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.Walker.Walk(s.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de != nil && de.IsDir() {
				return nil
			}
			if shouldSkip(path) {
				return nil
			}
			paths = append(paths, filepath.ToSlash(rel(s.Root, path)))
			return nil
		},
	})
	return paths, err
}

func (s *LocalSource) ReadFile(ctx context.Context, path string) (string, error) {
	b, err := s.FileReader.ReadFile(filepath.Join(s.Root, filepath.FromSlash(path)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RepoHost is the subset of the GitHub client the indexer needs.
type RepoHost interface {
	ListTree(ctx context.Context, installationID int64, owner, repo, ref string) ([]string, error)
	GetFileContent(ctx context.Context, installationID int64, owner, repo, path string) (string, error)
}

// GitHubSource lists a branch through the git trees API.
type GitHubSource struct {
	Host           RepoHost
	InstallationID int64
	Owner          string
	Repo           string
	Ref            string
}

func (s *GitHubSource) ListFiles(ctx context.Context) ([]string, error) {
	all, err := s.Host.ListTree(ctx, s.InstallationID, s.Owner, s.Repo, s.Ref)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(all))
	for _, p := range all {
		if shouldSkip("/" + p) {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (s *GitHubSource) ReadFile(ctx context.Context, path string) (string, error) {
	return s.Host.GetFileContent(ctx, s.InstallationID, s.Owner, s.Repo, path)
}

// Warmup pre-embeds catalog files so the first query does not pay for it.
type Warmup struct {
	Chunks   store.ChunkStore
	Embedder ai.Embedder
	Splitter *chunker.Splitter
	Workers  int
	MaxBytes int
	Dedup    codequery.DedupPolicy // defaults to content-hash
}

// Indexer builds the file catalog for one repository.
type Indexer struct {
	Store      store.CatalogStore
	Source     Source
	AccountID  string
	Repository string
	Warmup     *Warmup
	now        func() time.Time
}

// New creates a new Indexer instance.
func New(s store.CatalogStore, src Source, accountID, repository string) (*Indexer, error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(repository) == "" {
		return nil, errors.New("account id and repository are required")
	}
	return &Indexer{
		Store:      s,
		Source:     src,
		AccountID:  accountID,
		Repository: repository,
		now:        time.Now,
	}, nil
}

// Run lists the source, stores the sorted catalog and, when configured,
// embeds every listed file.
func (ix *Indexer) Run(ctx context.Context) (models.FileCatalog, error) {
	paths, err := ix.Source.ListFiles(ctx)
	if err != nil {
		return models.FileCatalog{}, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(paths)

	now := time.Now
	if ix.now != nil {
		now = ix.now
	}
	cat := models.FileCatalog{
		AccountID: ix.AccountID,
		Repo:      ix.Repository,
		FilePaths: paths,
		UpdatedAt: now().UTC(),
	}
	if err := ix.Store.UpsertFileCatalog(ctx, cat); err != nil {
		return models.FileCatalog{}, fmt.Errorf("upsert catalog: %w", err)
	}
	log.Info().Str("account_id", ix.AccountID).Str("repo", ix.Repository).Int("files", len(paths)).Msg("file catalog updated")

	if ix.Warmup != nil {
		if err := ix.warm(ctx, paths); err != nil {
			return cat, err
		}
	}
	return cat, nil
}

// workItem represents a file to be processed
type workItem struct {
	path    string
	content string
}

func (ix *Indexer) warm(ctx context.Context, paths []string) error {
	w := ix.Warmup
	// Determine number of workers (default to number of CPU cores)
	numWorkers := w.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8 // Cap at 8 to avoid overwhelming the embedding API
		}
	}
	splitter := w.Splitter
	if splitter == nil {
		splitter = chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
	}
	dedup := w.Dedup
	if dedup == "" {
		dedup = codequery.DedupContentHash
	}
	scope := codequery.Scope{AccountID: ix.AccountID, Repo: ix.Repository}

	log.Info().Int("workers", numWorkers).Int("files", len(paths)).Msg("starting warmup")

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for item := range workChan {
				res, err := codequery.IndexFiles(ctx, codequery.IndexInput{
					Scope:    scope,
					Files:    []codequery.FetchedFile{{Path: item.path, Content: item.content}},
					Splitter: splitter,
					Embedder: w.Embedder,
					Store:    w.Chunks,
					Dedup:    dedup,
				})
				if err != nil {
					select {
					case errorChan <- fmt.Errorf("%s: %w", item.path, err):
					default:
						log.Error().Err(err).Str("path", item.path).Msg("warmup error")
					}
					continue
				}
				log.Debug().Int("worker", workerID).Str("path", item.path).Int("chunks", len(res.Written)).Msg("warmed")
			}
		}(i)
	}

	var sendErr error
feed:
	for _, p := range paths {
		content, err := ix.Source.ReadFile(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to read file")
			continue
		}
		if w.MaxBytes > 0 && len(content) > w.MaxBytes {
			log.Debug().Str("path", p).Int("bytes", len(content)).Msg("skipping large file")
			continue
		}
		select {
		case workChan <- workItem{path: p, content: content}:
		case <-ctx.Done():
			sendErr = ctx.Err()
			break feed
		}
	}

	close(workChan)
	wg.Wait()

	select {
	case err := <-errorChan:
		return err
	default:
	}
	return sendErr
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	for _, dir := range []string{
		"/vendor/", "/.git/", "/.terraform/", "/node_modules/", "/target/",
		"/build/", "/dist/", "/out/", "/bin/", "/obj/", "/.venv/", "/venv/",
		"/__pycache__/", "/.pytest_cache/", "/.gradle/", "/.m2/", "/.idea/",
		"/coverage/", "/.cache/", "/.next/",
	} {
		if strings.Contains(p, dir) {
			return true
		}
	}
	switch filepath.Ext(p) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".ico", ".lock", ".zip", ".gz", ".tar",
		".svg", ".exe", ".dll", ".so", ".dylib", ".class", ".jar", ".pyc", ".woff", ".woff2", ".ttf", ".sum":
		return true
	}
	return false
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
