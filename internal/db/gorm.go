package db

import (
	"fmt"

	"github.com/phuslu/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bilbo/internal/config"
	"bilbo/internal/models"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the connection and migrates the catalogue schema. The
// pgvector table is only created when that backend is selected.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	logMode := logger.Silent
	if cfg.DBLogSQL {
		logMode = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	g := &GormDB{db}
	if err := g.Migrate(cfg.VectorBackend == config.BackendPgvector); err != nil {
		_ = g.Close()
		return nil, err
	}

	log.Info().Str("vector_backend", cfg.VectorBackend).Msg("database connected and migrated")
	return g, nil
}

// Migrate creates or updates every table. GORM has no notion of tsvector
// or vector indexes, so those are created with raw DDL.
func (db *GormDB) Migrate(withVectors bool) error {
	if err := db.AutoMigrate(
		&models.Book{},
		&models.Author{},
		&models.Tag{},
		&models.ResellerURL{},
		&models.ChapterSummary{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	stmts := []string{
		`ALTER TABLE books ADD COLUMN IF NOT EXISTS search_vector tsvector`,
		`CREATE INDEX IF NOT EXISTS idx_books_search_vector ON books USING gin (search_vector)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create full-text column: %w", err)
		}
	}

	if !withVectors {
		return nil
	}

	// Enable pgvector extension
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	if err := db.AutoMigrate(&models.BookChunk{}); err != nil {
		return fmt.Errorf("failed to migrate chunk table: %w", err)
	}

	vectorStmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_book_chunks_embedding
		ON book_chunks USING ivfflat (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_book_chunks_tags ON book_chunks USING gin (tags)`,
		`CREATE INDEX IF NOT EXISTS idx_book_chunks_authors ON book_chunks USING gin (authors)`,
	}
	for _, stmt := range vectorStmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
