package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bilbo/internal/apperr"
	"bilbo/internal/models"
)

const storePgvector = "pgvector"

// ChunkRepositoryImpl is the pgvector implementation of the vector index.
// Chunks live in the book_chunks table next to the catalogue.
type ChunkRepositoryImpl struct {
	db        *gorm.DB
	batchSize int
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *gorm.DB) *ChunkRepositoryImpl {
	return &ChunkRepositoryImpl{db: db, batchSize: UpsertBatchSize}
}

// EnsureCollection checks the table exists. It is created by db.Migrate.
func (r *ChunkRepositoryImpl) EnsureCollection(ctx context.Context) error {
	if !r.db.WithContext(ctx).Migrator().HasTable(&models.BookChunk{}) {
		return apperr.Store(storePgvector, "ensure collection", fmt.Errorf("table book_chunks does not exist"))
	}
	return nil
}

// DeleteByBook removes every chunk of the book
func (r *ChunkRepositoryImpl) DeleteByBook(ctx context.Context, bookID string) error {
	err := r.db.WithContext(ctx).Where("book_id = ?", bookID).Delete(&models.BookChunk{}).Error
	return apperr.Store(storePgvector, "delete chunks", err)
}

// Upsert stores points in batches. Every point is validated before the
// first write.
func (r *ChunkRepositoryImpl) Upsert(ctx context.Context, points []models.ChunkPoint) error {
	rows := make([]models.BookChunk, 0, len(points))
	for i := range points {
		p := &points[i]
		if err := p.Validate(models.EmbeddingDimensions); err != nil {
			return apperr.Store(storePgvector, "upsert chunks", err)
		}
		rows = append(rows, models.BookChunk{
			ID:         p.ID,
			BookID:     p.Payload.BookID,
			Reference:  p.Payload.Reference,
			Title:      p.Payload.Title,
			ChunkIndex: p.Payload.ChunkIndex,
			ChunkText:  p.Payload.ChunkText,
			ChapterIdx: p.Payload.ChapterIdx,
			Chapter:    p.Payload.Chapter,
			Authors:    pq.StringArray(nonNil(p.Payload.Authors)),
			Tags:       pq.StringArray(nonNil(p.Payload.Tags)),
			Embedding:  pgvector.NewVector(p.Vector),
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).CreateInBatches(rows, r.batchSize).Error
	return apperr.Store(storePgvector, "upsert chunks", err)
}

// Search performs vector similarity search using cosine distance.
// The <=> operator from pgvector calculates cosine distance, so the score
// is 1 - distance.
func (r *ChunkRepositoryImpl) Search(ctx context.Context, vector []float32, filter models.VectorFilter, limit int) ([]models.ChunkHit, error) {
	vec := pgvector.NewVector(vector)

	tx := r.db.WithContext(ctx).Model(&models.BookChunk{}).
		Select("reference, title, chunk_text, 1 - (embedding <=> ?) AS score", vec)
	if len(filter.Tags) > 0 {
		tx = tx.Where("tags @> ?", pq.StringArray(filter.Tags))
	}
	if filter.Author != "" {
		tx = tx.Where("? = ANY(authors)", filter.Author)
	}

	var hits []models.ChunkHit
	err := tx.Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}, WithoutParentheses: true}}).
		Limit(limit).
		Scan(&hits).Error
	if err != nil {
		return nil, apperr.Store(storePgvector, "search chunks", err)
	}
	return hits, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
