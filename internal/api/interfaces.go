package api

import (
	"context"

	"bilbo/internal/models"
	"bilbo/internal/services"
)

// The handlers only see the methods they call. services.SearchService,
// services.RAGService and services.IngestionService satisfy these.

type Catalogue interface {
	Search(ctx context.Context, q models.SearchQuery) (*models.SearchPage, error)
	ListTags(ctx context.Context) ([]string, error)
	ListAuthors(ctx context.Context) ([]string, error)
	GetBook(ctx context.Context, reference string) (*models.BookDetail, error)
	Sitemap(ctx context.Context, baseURL string) ([]byte, error)
}

type Responder interface {
	Chat(ctx context.Context, messages []models.ChatMessage) (*models.ChatMessage, error)
	ChatWithFilters(ctx context.Context, messages []models.ChatMessage, filter models.VectorFilter) (*models.ChatMessage, error)
}

type Importer interface {
	ImportDirectory(ctx context.Context) (*services.BatchReport, error)
}
