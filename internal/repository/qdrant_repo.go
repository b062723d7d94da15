package repository

import (
	"context"
	"fmt"

	"github.com/phuslu/log"
	"github.com/qdrant/go-client/qdrant"

	"bilbo/internal/apperr"
	"bilbo/internal/models"
)

const (
	storeQdrant = "qdrant"

	// CollectionName is the collection holding one point per chunk
	CollectionName = "book_chunks"

	// UpsertBatchSize bounds the number of points written per request
	UpsertBatchSize = 100
)

// keyword payload indexes used by filtered search
var indexedPayloadFields = []string{"book_id", "tags", "authors"}

// qdrantAPI is the subset of *qdrant.Client the index uses
type qdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantIndex stores chunk vectors in a Qdrant collection
type QdrantIndex struct {
	client     qdrantAPI
	collection string
	dimensions uint64
}

type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// NewQdrantIndex connects to Qdrant over gRPC
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperr.Store(storeQdrant, "connect", err)
	}
	return newQdrantIndex(client), nil
}

func newQdrantIndex(client qdrantAPI) *QdrantIndex {
	return &QdrantIndex{
		client:     client,
		collection: CollectionName,
		dimensions: models.EmbeddingDimensions,
	}
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// EnsureCollection creates the collection and its payload indexes unless
// the collection already exists.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return apperr.Store(storeQdrant, "check collection", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
		QuantizationConfig: qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
			Type:      qdrant.QuantizationType_Int8,
			AlwaysRam: qdrant.PtrOf(true),
		}),
	})
	if err != nil {
		return apperr.Store(storeQdrant, "create collection", err)
	}

	for _, field := range indexedPayloadFields {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return apperr.Store(storeQdrant, "create payload index "+field, err)
		}
	}

	log.Info().Str("collection", q.collection).Uint64("dimensions", q.dimensions).Msg("created vector collection")
	return nil
}

// DeleteByBook removes every point whose book_id matches
func (q *QdrantIndex) DeleteByBook(ctx context.Context, bookID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("book_id", bookID)},
		}),
	})
	return apperr.Store(storeQdrant, "delete points", err)
}

// Upsert writes points in batches of UpsertBatchSize and waits for each
// batch to be applied. Nothing is written if any point is invalid.
func (q *QdrantIndex) Upsert(ctx context.Context, points []models.ChunkPoint) error {
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for i := range points {
		ps, err := q.toPointStruct(&points[i])
		if err != nil {
			return apperr.Store(storeQdrant, "upsert points", err)
		}
		structs = append(structs, ps)
	}

	for start := 0; start < len(structs); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(structs))
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         structs[start:end],
		})
		if err != nil {
			return apperr.Store(storeQdrant, fmt.Sprintf("upsert points %d-%d", start, end), err)
		}
	}
	return nil
}

func (q *QdrantIndex) toPointStruct(p *models.ChunkPoint) (*qdrant.PointStruct, error) {
	if err := p.Validate(int(q.dimensions)); err != nil {
		return nil, err
	}
	payload, err := qdrant.TryValueMap(map[string]any{
		"book_id":     p.Payload.BookID,
		"reference":   p.Payload.Reference,
		"title":       p.Payload.Title,
		"chunk_index": int64(p.Payload.ChunkIndex),
		"chunk_text":  p.Payload.ChunkText,
		"chapter_idx": int64(p.Payload.ChapterIdx),
		"chapter":     p.Payload.Chapter,
		"authors":     toList(p.Payload.Authors),
		"tags":        toList(p.Payload.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("point %s payload: %w", p.ID, err)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}, nil
}

// Search returns the limit closest points, best first. Every tag in the
// filter must match, as must the author when set.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, filter models.VectorFilter, limit int) ([]models.ChunkHit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if f := buildFilter(filter); f != nil {
		req.Filter = f
	}

	points, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, apperr.Store(storeQdrant, "search points", err)
	}

	hits := make([]models.ChunkHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, models.ChunkHit{
			Reference: p.GetPayload()["reference"].GetStringValue(),
			Title:     p.GetPayload()["title"].GetStringValue(),
			ChunkText: p.GetPayload()["chunk_text"].GetStringValue(),
			Score:     p.GetScore(),
		})
	}
	return hits, nil
}

func buildFilter(filter models.VectorFilter) *qdrant.Filter {
	var must []*qdrant.Condition
	for _, tag := range filter.Tags {
		must = append(must, qdrant.NewMatch("tags", tag))
	}
	if filter.Author != "" {
		must = append(must, qdrant.NewMatch("authors", filter.Author))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func toList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
