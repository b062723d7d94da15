package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// EmbeddingDimensions is the size of every vector stored in the index
const EmbeddingDimensions = 1024

// ChunkPayload is the denormalized data carried by each vector point so the
// index can be filtered without a join back to the relational store.
type ChunkPayload struct {
	BookID     string   `json:"book_id"`
	Reference  string   `json:"reference"`
	Title      string   `json:"title"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkText  string   `json:"chunk_text"`
	ChapterIdx int      `json:"chapter_idx"`
	Chapter    string   `json:"chapter"`
	Authors    []string `json:"authors"`
	Tags       []string `json:"tags"`
}

// ChunkPoint is one vector point: a chunk embedding plus its payload
type ChunkPoint struct {
	ID      string // UUID
	Vector  []float32
	Payload ChunkPayload
}

// Validate checks the fields every index backend relies on
func (p *ChunkPoint) Validate(dimensions int) error {
	switch {
	case p.ID == "":
		return errors.New("point id is empty")
	case len(p.Vector) != dimensions:
		return fmt.Errorf("point %s has %d dimensions, want %d", p.ID, len(p.Vector), dimensions)
	case p.Payload.BookID == "":
		return fmt.Errorf("point %s has no book_id", p.ID)
	case p.Payload.Reference == "":
		return fmt.Errorf("point %s has no reference", p.ID)
	case p.Payload.ChunkText == "":
		return fmt.Errorf("point %s has no chunk_text", p.ID)
	}
	return nil
}

// VectorFilter restricts a similarity search. Every tag must be present on
// the point, and the author, when set, must be one of its authors.
type VectorFilter struct {
	Tags   []string
	Author string
}

// ChunkHit is a similarity search result
type ChunkHit struct {
	Reference string  `json:"reference"`
	Title     string  `json:"title"`
	ChunkText string  `json:"chunk_text"`
	Score     float32 `json:"score"` // Similarity score (0-1)
}

// BookChunk is the row layout of the pgvector index backend.
// Using KSUID for time-ordered IDs and better database performance
type BookChunk struct {
	ID         string          `json:"id" gorm:"type:varchar(36);primaryKey"`
	BookID     string          `json:"book_id" gorm:"type:char(27);not null;index"`
	Reference  string          `json:"reference" gorm:"type:text;not null"`
	Title      string          `json:"title" gorm:"type:text;not null"`
	ChunkIndex int             `json:"chunk_index" gorm:"not null"`
	ChunkText  string          `json:"chunk_text" gorm:"type:text;not null"`
	ChapterIdx int             `json:"chapter_idx" gorm:"not null"`
	Chapter    string          `json:"chapter" gorm:"type:text"`
	Authors    pq.StringArray  `json:"authors" gorm:"type:text[]"`
	Tags       pq.StringArray  `json:"tags" gorm:"type:text[]"`
	Embedding  pgvector.Vector `json:"-" gorm:"type:vector(1024);not null"`
	CreatedAt  time.Time       `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate hook generates KSUID before inserting
func (c *BookChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (BookChunk) TableName() string {
	return "book_chunks"
}
