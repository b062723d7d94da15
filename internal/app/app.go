// Package app builds the store handles and services shared by the server
// and the importer binaries.
package app

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"bilbo/internal/config"
	"bilbo/internal/db"
	"bilbo/internal/mistral"
	"bilbo/internal/repository"
	"bilbo/internal/services"
)

type App struct {
	Config  *config.Config
	DB      *db.GormDB
	Index   services.VectorIndex
	Gateway *mistral.Client

	Ingestion *services.IngestionService
	Search    *services.SearchService
	RAG       *services.RAGService

	closers []func() error
}

// New connects to PostgreSQL and the configured vector backend and builds
// the services. publisher may be nil.
func New(cfg *config.Config, publisher services.EventPublisher) (*App, error) {
	database, err := db.NewGorm(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: database}
	a.closers = append(a.closers, database.Close)

	switch cfg.VectorBackend {
	case config.BackendPgvector:
		a.Index = repository.NewChunkRepository(database.DB)
	default:
		q, err := repository.NewQdrantIndex(repository.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		a.Index = q
		a.closers = append(a.closers, q.Close)
	}

	a.Gateway = mistral.NewClient(cfg.MistralAPIKey,
		mistral.WithBaseURL(cfg.MistralBaseURL),
		mistral.WithModels(cfg.MistralEmbedModel, cfg.MistralChatModel),
		mistral.WithTimeout(cfg.MistralTimeout),
		mistral.WithRateLimit(cfg.MistralRateLimit),
	)
	if !a.Gateway.Configured() {
		log.Warn().Msg("MISTRAL_API_KEY not set: summaries, embeddings and chat are disabled")
	}

	books := repository.NewBookRepository(database.DB)
	a.Ingestion = services.NewIngestionService(books, a.Index, a.Gateway, publisher, cfg.DataDir, cfg.IngestWorkers)
	a.Search = services.NewSearchService(books, a.Index, a.Gateway)
	a.RAG = services.NewRAGService(a.Gateway, a.Index)

	log.Info().
		Str("vector_backend", cfg.VectorBackend).
		Str("data_dir", cfg.DataDir).
		Bool("provider", a.Gateway.Configured()).
		Msg("services initialized")
	return a, nil
}

// Close releases the store handles in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
