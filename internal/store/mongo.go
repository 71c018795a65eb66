package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultDatabase      = "code-lense"
	DefaultVectorIndex   = "vector_index"
	DefaultNumCandidates = 100
)

// Mongo stores chunks in a MongoDB Atlas collection searched with $vectorSearch.
type Mongo struct {
	client        *mongo.Client
	chunks        *mongo.Collection
	catalogs      *mongo.Collection
	index         string
	numCandidates int
}

// NewMongo connects to uri and selects opt.Database.
func NewMongo(ctx context.Context, uri string, opt Options) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if opt.Database == "" {
		opt.Database = DefaultDatabase
	}
	if opt.VectorIndex == "" {
		opt.VectorIndex = DefaultVectorIndex
	}
	if opt.NumCandidates <= 0 {
		opt.NumCandidates = DefaultNumCandidates
	}
	db := client.Database(opt.Database)
	return &Mongo{
		client:        client,
		chunks:        db.Collection(ChunkCollection),
		catalogs:      db.Collection(CatalogCollection),
		index:         opt.VectorIndex,
		numCandidates: opt.NumCandidates,
	}, nil
}

func (s *Mongo) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("mongo disconnect")
	}
}

// Migrate creates the scalar indexes. The Atlas vector index cannot be
// created through the driver on every tier and must exist beforehand.
func (s *Mongo) Migrate(ctx context.Context, dim int) error {
	_, err := s.chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "repo", Value: 1}, {Key: "filepath", Value: 1}, {Key: "chunkIndex", Value: 1}}},
		{Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "repo", Value: 1}, {Key: "filepath", Value: 1}, {Key: "contentHash", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.catalogs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "accountId", Value: 1}, {Key: "repo", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	log.Info().Str("index", s.index).Int("dim", dim).
		Msg("mongo indexes ready; vector index must be defined on path 'embedding' with filter fields accountId, repo, filepath")
	return nil
}

func (s *Mongo) GetFileCatalog(ctx context.Context, accountID, repo string) (models.FileCatalog, bool, error) {
	var c models.FileCatalog
	err := s.catalogs.FindOne(ctx, bson.D{{Key: "accountId", Value: accountID}, {Key: "repo", Value: repo}}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.FileCatalog{}, false, nil
		}
		return models.FileCatalog{}, false, err
	}
	return c, true, nil
}

func (s *Mongo) UpsertFileCatalog(ctx context.Context, c models.FileCatalog) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	if c.FilePaths == nil {
		c.FilePaths = []string{}
	}
	_, err := s.catalogs.ReplaceOne(ctx,
		bson.D{{Key: "accountId", Value: c.AccountID}, {Key: "repo", Value: c.Repo}},
		c,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *Mongo) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]any, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i]
	}
	_, err := s.chunks.InsertMany(ctx, docs)
	return err
}

func (s *Mongo) HasChunks(ctx context.Context, accountID, repo, filepath, contentHash string) (bool, error) {
	n, err := s.chunks.CountDocuments(ctx, bson.D{
		{Key: "accountId", Value: accountID},
		{Key: "repo", Value: repo},
		{Key: "filepath", Value: filepath},
		{Key: "contentHash", Value: contentHash},
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// scopeFilter renders f as a query document usable by both find and the
// $vectorSearch filter stage.
func scopeFilter(f ChunkFilter) bson.D {
	d := bson.D{
		{Key: "accountId", Value: f.AccountID},
		{Key: "repo", Value: f.Repo},
	}
	if len(f.FilePaths) > 0 {
		d = append(d, bson.E{Key: "filepath", Value: bson.D{{Key: "$in", Value: f.FilePaths}}})
	}
	return d
}

type scoredChunk struct {
	models.Chunk `bson:",inline"`
	Score        float64 `bson:"score"`
}

func (s *Mongo) SearchChunks(ctx context.Context, vec []float32, k int, f ChunkFilter) ([]models.RelevantChunk, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: s.index},
			{Key: "path", Value: "embedding"},
			{Key: "queryVector", Value: vec},
			{Key: "numCandidates", Value: max(s.numCandidates, k)},
			{Key: "limit", Value: k},
			{Key: "filter", Value: scopeFilter(f)},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "embedding", Value: 0},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}
	cur, err := s.chunks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []scoredChunk
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]models.RelevantChunk, len(rows))
	for i, r := range rows {
		out[i] = models.RelevantChunk{Chunk: r.Chunk, Rank: i, Score: r.Score}
	}
	return out, nil
}

func (s *Mongo) FindChunks(ctx context.Context, k int, f ChunkFilter) ([]models.Chunk, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	cur, err := s.chunks.Find(ctx, scopeFilter(f),
		options.Find().SetLimit(int64(k)).SetProjection(bson.D{{Key: "embedding", Value: 0}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Chunk
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.Ping(ctx, nil)
}
