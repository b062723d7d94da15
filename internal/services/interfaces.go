package services

import (
	"context"

	"bilbo/internal/mistral"
	"bilbo/internal/models"
	"bilbo/internal/services/events"
)

// Interfaces are declared here, where they are used. The repository and
// mistral packages return concrete types that satisfy them.

// BookStore is what the services need from the relational catalogue
type BookStore interface {
	FindByReference(ctx context.Context, reference string) (*models.BookFingerprint, error)
	Insert(ctx context.Context, doc *models.BookDocument, fingerprint string, summary *string) (string, error)
	Update(ctx context.Context, reference string, doc *models.BookDocument, fingerprint string, summary *string) (string, error)
	ResetFingerprint(ctx context.Context, bookID string) error
	ReplaceChapterSummaries(ctx context.Context, bookID string, summaries []models.ChapterSummary) error
	Search(ctx context.Context, q models.SearchQuery) (*models.SearchPage, error)
	GetDetail(ctx context.Context, reference string) (*models.BookDetail, error)
	ListTags(ctx context.Context) ([]string, error)
	ListAuthors(ctx context.Context) ([]string, error)
	ListReferences(ctx context.Context) ([]models.BookRef, error)
}

// VectorIndex is what the services need from the similarity index.
// Both the Qdrant and the pgvector backends implement it.
type VectorIndex interface {
	EnsureCollection(ctx context.Context) error
	DeleteByBook(ctx context.Context, bookID string) error
	Upsert(ctx context.Context, points []models.ChunkPoint) error
	Search(ctx context.Context, vector []float32, filter models.VectorFilter, limit int) ([]models.ChunkHit, error)
}

// Gateway is the embedding and completion provider
type Gateway interface {
	Configured() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Summarize(ctx context.Context, text string) (string, error)
	SummarizeChapters(ctx context.Context, chapters []mistral.ChapterInput) ([]string, error)
	ChatAnswer(ctx context.Context, contextText string, prior []models.ChatMessage) (string, error)
}

// EventPublisher receives ingestion progress
type EventPublisher interface {
	Publish(ctx context.Context, ev events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}
