package models

import "time"

// QueryRequest is a user question scoped to one account and repository.
type QueryRequest struct {
	UserQuery      string `json:"user_query"`
	AccountID      string `json:"account_id"`
	Repo           string `json:"repo"`
	Owner          string `json:"owner"`
	InstallationID int64  `json:"installation_id"`
}

// Chunk is one persisted segment of a file. AccountID, Repo, FilePath and
// ChunkIndex together identify it.
type Chunk struct {
	ID          string    `json:"id" bson:"_id"`
	AccountID   string    `json:"accountId" bson:"accountId"`
	Repo        string    `json:"repo" bson:"repo"`
	FilePath    string    `json:"filepath" bson:"filepath"`
	ChunkIndex  int       `json:"chunkIndex" bson:"chunkIndex"`
	Content     string    `json:"content" bson:"content"`
	ContentHash string    `json:"contentHash,omitempty" bson:"contentHash,omitempty"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	Embedding   []float32 `json:"-" bson:"embedding"`
}

// RelevantChunk is a chunk returned by retrieval. Rank is 0-based in result
// order; Score is zero when the result came from the metadata fallback.
type RelevantChunk struct {
	Chunk Chunk   `json:"chunk"`
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

// FileCatalog is the manifest of file paths known for a repository.
type FileCatalog struct {
	AccountID string    `json:"accountId" bson:"accountId"`
	Repo      string    `json:"repo" bson:"repo"`
	FilePaths []string  `json:"filepaths" bson:"filepaths"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}
