package indexer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog"
	"github.com/seanblong/codelense/internal/chunker"
	"github.com/seanblong/codelense/internal/codequery"
	"github.com/seanblong/codelense/internal/store"
	"github.com/seanblong/codelense/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockStore implements store.ChunkStore for testing
type MockStore struct {
	mu sync.Mutex

	UpsertFileCatalogFunc func(ctx context.Context, c models.FileCatalog) error
	HasChunksFunc         func(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error)

	Catalogs []models.FileCatalog
	Inserted []models.Chunk
}

func (m *MockStore) GetFileCatalog(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error) {
	return models.FileCatalog{}, false, nil
}

func (m *MockStore) UpsertFileCatalog(ctx context.Context, c models.FileCatalog) error {
	m.mu.Lock()
	m.Catalogs = append(m.Catalogs, c)
	m.mu.Unlock()
	if m.UpsertFileCatalogFunc != nil {
		return m.UpsertFileCatalogFunc(ctx, c)
	}
	return nil
}

func (m *MockStore) Migrate(ctx context.Context, dim int) error { return nil }

func (m *MockStore) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inserted = append(m.Inserted, chunks...)
	return nil
}

func (m *MockStore) HasChunks(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
	if m.HasChunksFunc != nil {
		return m.HasChunksFunc(ctx, accountID, repo, filepath, contentHash)
	}
	return false, nil
}

func (m *MockStore) SearchChunks(ctx context.Context, vec []float32, k int, f store.ChunkFilter) ([]models.RelevantChunk, error) {
	return nil, nil
}

func (m *MockStore) FindChunks(ctx context.Context, k int, f store.ChunkFilter) ([]models.Chunk, error) {
	return nil, nil
}

func (m *MockStore) Ping(ctx context.Context) error { return nil }

func (m *MockStore) Close() {}

// MockEmbedder implements ai.Embedder for testing
type MockEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Dim() int { return 3 }

// MockFileSystemWalker implements FileSystemWalker for testing
type MockFileSystemWalker struct {
	FilesToProcess []string // List of file paths to process
	WalkError      error    // Error to return from Walk
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	if m.WalkError != nil {
		return m.WalkError
	}
	// godirwalk.Dirent cannot be constructed outside the package, so the
	// callback receives nil and treats the entry as a file.
	for _, filePath := range m.FilesToProcess {
		if err := options.Callback(filePath, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader implements FileReader for testing
type MockFileReader struct {
	Files map[string]string // path -> content
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	if content, exists := m.Files[filename]; exists {
		return []byte(content), nil
	}
	return nil, errors.New("file not found")
}

// MockRepoHost implements RepoHost for testing
type MockRepoHost struct {
	Tree    []string
	TreeErr error
	Files   map[string]string

	gotOwner, gotRepo, gotRef string
	gotInstallation           int64
}

func (m *MockRepoHost) ListTree(ctx context.Context, installationID int64, owner, repo, ref string) ([]string, error) {
	m.gotInstallation, m.gotOwner, m.gotRepo, m.gotRef = installationID, owner, repo, ref
	return m.Tree, m.TreeErr
}

func (m *MockRepoHost) GetFileContent(ctx context.Context, installationID int64, owner, repo, path string) (string, error) {
	c, ok := m.Files[path]
	if !ok {
		return "", errors.New("not found")
	}
	return c, nil
}

func newLocal(files map[string]string) *LocalSource {
	var paths []string
	for p := range files {
		paths = append(paths, p)
	}
	return &LocalSource{
		Root:       "/test/repo",
		Walker:     &MockFileSystemWalker{FilesToProcess: paths},
		FileReader: &MockFileReader{Files: files},
	}
}

func TestIndexer_Run(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		source    Source
		storeErr  error
		wantErr   bool
		wantPaths []string
	}{
		{
			name: "local checkout sorted and filtered",
			source: newLocal(map[string]string{
				"/test/repo/main.go":                 "package main",
				"/test/repo/internal/auth/auth.go":   "package auth",
				"/test/repo/vendor/lib/lib.go":       "package lib",
				"/test/repo/node_modules/x/index.js": "module.exports = 1",
				"/test/repo/assets/logo.png":         "\x89PNG",
				"/test/repo/README.md":               "# readme",
			}),
			wantPaths: []string{"README.md", "internal/auth/auth.go", "main.go"},
		},
		{
			name: "github tree filtered",
			source: &GitHubSource{
				Host: &MockRepoHost{Tree: []string{"src/app.py", "dist/bundle.js", "docs/diagram.svg", "setup.py"}},
				Repo: "octo/repo",
			},
			wantPaths: []string{"setup.py", "src/app.py"},
		},
		{
			name:    "walk error",
			source:  &LocalSource{Root: "/x", Walker: &MockFileSystemWalker{WalkError: errors.New("permission denied")}},
			wantErr: true,
		},
		{
			name:    "tree error",
			source:  &GitHubSource{Host: &MockRepoHost{TreeErr: errors.New("404")}},
			wantErr: true,
		},
		{
			name:     "store error",
			source:   newLocal(map[string]string{"/test/repo/a.go": "x"}),
			storeErr: errors.New("db down"),
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &MockStore{UpsertFileCatalogFunc: func(ctx context.Context, c models.FileCatalog) error { return tt.storeErr }}
			ix, err := New(st, tt.source, "acct", "octo/repo")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ix.now = func() time.Time { return fixed }

			cat, err := ix.Run(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !reflect.DeepEqual(cat.FilePaths, tt.wantPaths) {
				t.Errorf("paths = %v, want %v", cat.FilePaths, tt.wantPaths)
			}
			if len(st.Catalogs) != 1 {
				t.Fatalf("expected one upsert, got %d", len(st.Catalogs))
			}
			got := st.Catalogs[0]
			if got.AccountID != "acct" || got.Repo != "octo/repo" || !got.UpdatedAt.Equal(fixed) {
				t.Errorf("unexpected catalog: %+v", got)
			}
		})
	}
}

func TestGitHubSource_PassesCoordinates(t *testing.T) {
	host := &MockRepoHost{Tree: []string{"a.go"}}
	src := &GitHubSource{Host: host, InstallationID: 42, Owner: "octo", Repo: "octo/repo", Ref: "develop"}
	if _, err := src.ListFiles(context.Background()); err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if host.gotInstallation != 42 || host.gotOwner != "octo" || host.gotRepo != "octo/repo" || host.gotRef != "develop" {
		t.Errorf("unexpected call: %d %s %s %s", host.gotInstallation, host.gotOwner, host.gotRepo, host.gotRef)
	}
}

func TestIndexer_Warmup(t *testing.T) {
	files := map[string]string{
		"/test/repo/a.go": "package a\n\nfunc A() {}",
		"/test/repo/b.go": "package b\n\nfunc B() {}",
		"/test/repo/c.go": "package c\n\nfunc C() {}",
	}
	st := &MockStore{
		HasChunksFunc: func(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
			return filepath == "c.go", nil
		},
	}
	emb := &MockEmbedder{}
	ix, err := New(st, newLocal(files), "acct", "octo/repo")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ix.Warmup = &Warmup{Chunks: st, Embedder: emb, Splitter: chunker.New(1000, 200), Workers: 2}

	if _, err := ix.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := map[string]int{}
	for _, c := range st.Inserted {
		got[c.FilePath]++
		if c.AccountID != "acct" || c.Repo != "octo/repo" {
			t.Errorf("chunk scope = (%s, %s)", c.AccountID, c.Repo)
		}
	}
	if got["a.go"] != 1 || got["b.go"] != 1 {
		t.Errorf("expected one chunk each for a.go and b.go, got %v", got)
	}
	if got["c.go"] != 0 {
		t.Errorf("already indexed c.go was embedded again")
	}
	if emb.calls != 2 {
		t.Errorf("embed calls = %d, want 2", emb.calls)
	}
}

func TestIndexer_WarmupDedupPolicy(t *testing.T) {
	files := map[string]string{
		"/test/repo/a.go": "package a",
		"/test/repo/b.go": "package b",
	}
	tests := []struct {
		name      string
		dedup     codequery.DedupPolicy
		wantFiles int
	}{
		{"default skips embedded files", "", 0},
		{"content hash skips embedded files", codequery.DedupContentHash, 0},
		{"none embeds everything", codequery.DedupNone, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &MockStore{
				HasChunksFunc: func(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
					return true, nil
				},
			}
			ix, err := New(st, newLocal(files), "acct", "r")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			ix.Warmup = &Warmup{Chunks: st, Embedder: &MockEmbedder{}, Workers: 1, Dedup: tt.dedup}

			if _, err := ix.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			written := map[string]bool{}
			for _, c := range st.Inserted {
				written[c.FilePath] = true
			}
			if len(written) != tt.wantFiles {
				t.Errorf("embedded %d files, want %d (%v)", len(written), tt.wantFiles, written)
			}
		})
	}
}

func TestIndexer_WarmupError(t *testing.T) {
	st := &MockStore{}
	ix, _ := New(st, newLocal(map[string]string{"/test/repo/a.go": "package a"}), "acct", "r")
	ix.Warmup = &Warmup{Chunks: st, Embedder: &MockEmbedder{err: errors.New("quota")}, Workers: 1}

	cat, err := ix.Run(context.Background())
	if err == nil {
		t.Fatal("expected warmup error")
	}
	if len(cat.FilePaths) != 1 || len(st.Catalogs) != 1 {
		t.Error("catalog should be stored even when warmup fails")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(&MockStore{}, newLocal(nil), "", "r"); err == nil {
		t.Error("expected error for missing account")
	}
	if _, err := New(&MockStore{}, newLocal(nil), "acct", " "); err == nil {
		t.Error("expected error for missing repository")
	}
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/project/main.go", false},
		{"/project/vendor/lib.go", true},
		{"/project/.git/config", true},
		{"/project/.terraform/state", true},
		{"/project/image.png", true},
		{"/project/document.pdf", true},
		{"/project/app.exe", true},
		{"/project/go.sum", true},
		{"/project/go.mod", false},
		{"/project/README.md", false},
		{"/project/script.sh", false},
		{"/src/__pycache__/x.pyc", true},
	}

	for _, tt := range tests {
		if got := shouldSkip(tt.path); got != tt.expected {
			t.Errorf("shouldSkip(%s) = %v, expected %v", tt.path, got, tt.expected)
		}
	}
}

func TestRel(t *testing.T) {
	if got := rel("/test/repo", "/test/repo/internal/a.go"); got != "internal/a.go" {
		t.Errorf("rel = %q", got)
	}
}

func TestInterfaceCompliance(t *testing.T) {
	var _ FileSystemWalker = &DefaultFileSystemWalker{}
	var _ FileReader = &DefaultFileReader{}
	var _ Source = &LocalSource{}
	var _ Source = &GitHubSource{}
	var _ store.ChunkStore = &MockStore{}
}
