package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/attribute"

	"bilbo/internal/markdown"
	"bilbo/internal/middleware"
	"bilbo/internal/models"
)

// BoostLimit is how many vector hits the semantic boost looks at
const BoostLimit = 10

// SearchService serves the catalogue: full-text search with a semantic
// boost on the first page, facets, book details and the sitemap.
type SearchService struct {
	books   BookStore
	index   VectorIndex
	gateway Gateway
}

func NewSearchService(books BookStore, index VectorIndex, gateway Gateway) *SearchService {
	return &SearchService{books: books, index: index, gateway: gateway}
}

// Search runs the full-text query. On the first page of a non-blank query
// books found by similarity are appended after the text matches; Total
// still counts text matches only.
func (s *SearchService) Search(ctx context.Context, q models.SearchQuery) (*models.SearchPage, error) {
	q = q.Normalize()
	ctx, span := middleware.StartSpan(ctx, "Search.Search",
		attribute.String("query", q.Query),
		attribute.Int("page", q.Page),
	)
	defer span.End()

	page, err := s.books.Search(ctx, q)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to search books: %w", err)
	}
	if page.Books == nil {
		page.Books = []models.BookSummary{}
	}

	if q.Page == 0 && strings.TrimSpace(q.Query) != "" && s.gateway.Configured() {
		present := make(map[string]struct{}, len(page.Books))
		for _, b := range page.Books {
			present[b.Reference] = struct{}{}
		}
		for _, b := range s.semanticBoost(ctx, q) {
			if _, ok := present[b.Reference]; ok {
				continue
			}
			present[b.Reference] = struct{}{}
			page.Books = append(page.Books, b)
		}
	}
	return page, nil
}

// semanticBoost is best effort: any failure yields no extra books
func (s *SearchService) semanticBoost(ctx context.Context, q models.SearchQuery) []models.BookSummary {
	ctx, span := middleware.StartSpan(ctx, "Search.SemanticBoost")
	defer span.End()

	vectors, err := s.gateway.Embed(ctx, []string{q.Query})
	if err != nil || len(vectors) == 0 {
		log.Warn().Err(err).Msg("semantic boost: embedding failed")
		return nil
	}

	hits, err := s.index.Search(ctx, vectors[0], models.VectorFilter{Tags: q.Tags, Author: q.Author}, BoostLimit)
	if err != nil {
		log.Warn().Err(err).Msg("semantic boost: vector search failed")
		return nil
	}

	seen := make(map[string]struct{}, len(hits))
	var books []models.BookSummary
	for _, h := range hits {
		if _, dup := seen[h.Reference]; dup {
			continue
		}
		seen[h.Reference] = struct{}{}

		detail, err := s.books.GetDetail(ctx, h.Reference)
		if err != nil || detail == nil {
			continue
		}
		books = append(books, detail.BookSummary)
	}
	span.SetAttributes(attribute.Int("boosted", len(books)))
	return books
}

func (s *SearchService) ListTags(ctx context.Context) ([]string, error) {
	tags, err := s.books.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return nonNilStrings(tags), nil
}

func (s *SearchService) ListAuthors(ctx context.Context) ([]string, error) {
	authors, err := s.books.ListAuthors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}
	return nonNilStrings(authors), nil
}

// GetBook returns the book with its markdown fields rendered to HTML, or
// nil when the reference is unknown.
func (s *SearchService) GetBook(ctx context.Context, reference string) (*models.BookDetail, error) {
	ctx, span := middleware.StartSpan(ctx, "Search.GetBook", attribute.String("reference", reference))
	defer span.End()

	detail, err := s.books.GetDetail(ctx, reference)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load book: %w", err)
	}
	if detail == nil {
		return nil, nil
	}

	for _, field := range []**string{&detail.Summary, &detail.Introduction, &detail.CoverText} {
		html, err := markdown.ToHTMLPtr(*field)
		if err != nil {
			return nil, fmt.Errorf("failed to render book text: %w", err)
		}
		*field = html
	}
	for i := range detail.ChapterSummaries {
		html, err := markdown.ToHTML(detail.ChapterSummaries[i].Summary)
		if err != nil {
			return nil, fmt.Errorf("failed to render chapter summary: %w", err)
		}
		detail.ChapterSummaries[i].Summary = html
	}
	return detail, nil
}

type sitemapURL struct {
	Loc      string `xml:"loc"`
	Priority string `xml:"priority"`
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	Xmlns   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

// Sitemap lists the home page, the discussion page and every book page
func (s *SearchService) Sitemap(ctx context.Context, baseURL string) ([]byte, error) {
	refs, err := s.books.ListReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}

	base := strings.TrimRight(baseURL, "/")
	set := urlSet{
		Xmlns: "http://www.sitemaps.org/schemas/sitemap/0.9",
		URLs: []sitemapURL{
			{Loc: base + "/", Priority: "1.0"},
			{Loc: base + "/discussion", Priority: "0.5"},
		},
	}
	for _, r := range refs {
		set.URLs = append(set.URLs, sitemapURL{Loc: base + "/book/" + r.Reference, Priority: "0.8"})
	}

	out, err := xml.MarshalIndent(set, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sitemap: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
