package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/attribute"

	"bilbo/internal/markdown"
	"bilbo/internal/middleware"
	"bilbo/internal/models"
)

const (
	// RetrievalLimit is how many chunks ground one answer
	RetrievalLimit = 5
	// SourcePreviewRunes bounds the excerpt shown for each cited source
	SourcePreviewRunes = 200
)

var (
	ErrNoUserMessage         = errors.New("no user message")
	ErrProviderNotConfigured = errors.New("mistral API key not configured")
	ErrNoEmbedding           = errors.New("no embedding returned")
)

// RAGService answers conversations from the excerpts of the library that
// are closest to the last user question.
type RAGService struct {
	gateway Gateway
	index   VectorIndex
}

func NewRAGService(gateway Gateway, index VectorIndex) *RAGService {
	return &RAGService{gateway: gateway, index: index}
}

// Chat answers the conversation using the whole library
func (s *RAGService) Chat(ctx context.Context, messages []models.ChatMessage) (*models.ChatMessage, error) {
	return s.ChatWithFilters(ctx, messages, models.VectorFilter{})
}

// ChatWithFilters answers the conversation using only excerpts of books
// matching filter. The reply content is HTML.
func (s *RAGService) ChatWithFilters(ctx context.Context, messages []models.ChatMessage, filter models.VectorFilter) (*models.ChatMessage, error) {
	ctx, span := middleware.StartSpan(ctx, "RAG.Chat",
		attribute.Int("messages", len(messages)),
		attribute.StringSlice("filter.tags", filter.Tags),
		attribute.String("filter.author", filter.Author),
	)
	defer span.End()

	question, ok := lastUserMessage(messages)
	if !ok {
		return nil, ErrNoUserMessage
	}
	if !s.gateway.Configured() {
		return nil, ErrProviderNotConfigured
	}

	vectors, err := s.gateway.Embed(ctx, []string{question})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, ErrNoEmbedding
	}

	hits, err := s.index.Search(ctx, vectors[0], filter, RetrievalLimit)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to search excerpts: %w", err)
	}

	answer, err := s.gateway.ChatAnswer(ctx, BuildContext(hits), messages)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	html, err := markdown.ToHTML(answer)
	if err != nil {
		return nil, fmt.Errorf("failed to render answer: %w", err)
	}

	sources := Sources(hits)
	middleware.AddSpanEvent(ctx, "rag_completed",
		attribute.Int("context_chunks", len(hits)),
		attribute.Int("sources", len(sources)),
	)
	log.Debug().Int("chunks", len(hits)).Int("sources", len(sources)).Msg("chat answered")

	return &models.ChatMessage{Role: models.RoleAssistant, Content: html, Sources: sources}, nil
}

func lastUserMessage(messages []models.ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}

// BuildContext lays the hits out in score order, one labelled block each
func BuildContext(hits []models.ChunkHit) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "[Source %d: %s - %s]\n%s\n", i+1, h.Title, h.Reference, h.ChunkText)
	}
	return b.String()
}

// Sources keeps the first hit of each book, with a shortened excerpt
func Sources(hits []models.ChunkHit) []models.ChatSource {
	seen := make(map[string]struct{}, len(hits))
	sources := make([]models.ChatSource, 0, len(hits))
	for _, h := range hits {
		if _, dup := seen[h.Reference]; dup {
			continue
		}
		seen[h.Reference] = struct{}{}
		sources = append(sources, models.ChatSource{
			Reference: h.Reference,
			Title:     h.Title,
			ChunkText: preview(h.ChunkText, SourcePreviewRunes),
		})
	}
	return sources
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
