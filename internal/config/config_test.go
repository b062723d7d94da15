package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env
	for _, k := range []string{"DATABASE_URL", "MISTRAL_API_KEY", "VECTOR_BACKEND", "INGEST_WORKERS", "MISTRAL_RATE_LIMIT", "QDRANT_PORT", "MISTRAL_TIMEOUT_SECONDS", "MISTRAL_EMBED_MODEL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendQdrant, cfg.VectorBackend)
	assert.Equal(t, 1, cfg.IngestWorkers)
	assert.Equal(t, 6334, cfg.QdrantPort)
	assert.Equal(t, 60*time.Second, cfg.MistralTimeout)
	assert.Equal(t, "mistral-embed", cfg.MistralEmbedModel)
	assert.False(t, cfg.HasProvider())
	assert.Contains(t, cfg.DatabaseURL(), "dbname=")
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/books")
	t.Setenv("VECTOR_BACKEND", "PGVECTOR")
	t.Setenv("INGEST_WORKERS", "4")
	t.Setenv("MISTRAL_API_KEY", "secret")
	t.Setenv("MISTRAL_RATE_LIMIT", "2.5")
	t.Setenv("QDRANT_USE_TLS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/books", cfg.DatabaseURL())
	assert.Equal(t, BackendPgvector, cfg.VectorBackend)
	assert.Equal(t, 4, cfg.IngestWorkers)
	assert.Equal(t, 2.5, cfg.MistralRateLimit)
	assert.True(t, cfg.QdrantUseTLS)
	assert.True(t, cfg.HasProvider())
}

func TestValidate(t *testing.T) {
	base := Config{VectorBackend: BackendQdrant, IngestWorkers: 1, MistralTimeout: time.Second}
	require.NoError(t, base.Validate())

	bad := base
	bad.VectorBackend = "milvus"
	assert.Error(t, bad.Validate())

	bad = base
	bad.IngestWorkers = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.MistralRateLimit = -1
	assert.Error(t, bad.Validate())
}
