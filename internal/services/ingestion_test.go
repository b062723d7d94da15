package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilbo/internal/apperr"
	"bilbo/internal/services/events"
)

func bookMarkdown(ref, title, body string) string {
	return fmt.Sprintf("---\nreference: %s\ntitle: %s\nauthors: [Jules Verne]\ntags: [aventure]\n---\n%s\n", ref, title, body)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, path)
}

type ingestFixture struct {
	dir       string
	books     *fakeBooks
	index     *fakeIndex
	gateway   *fakeGateway
	publisher *recordingPublisher
	svc       *IngestionService
}

func newIngestFixture(t *testing.T, workers int) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		dir:       t.TempDir(),
		books:     newFakeBooks(),
		index:     newFakeIndex(),
		gateway:   &fakeGateway{configured: true},
		publisher: &recordingPublisher{},
	}
	f.svc = NewIngestionService(f.books, f.index, f.gateway, f.publisher, f.dir, workers)
	return f
}

func TestImportDirectory_FailureIsolation(t *testing.T) {
	f := newIngestFixture(t, 1)
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "# Un\nPremier texte."))
	writeFile(t, f.dir, "b.md", "---\ntitle: Sans référence\n---\nCorps.\n")
	writeFile(t, f.dir, "c.md", bookMarkdown("c", "Livre C", "# Un\nTroisième texte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Files, 3)
	assert.Equal(t, []string{"a.md", "b.md", "c.md"},
		[]string{report.Files[0].File, report.Files[1].File, report.Files[2].File})
	assert.Equal(t, OutcomeImported, report.Files[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Files[1].Outcome)
	assert.True(t, apperr.IsValidation(report.Files[1].Err))
	assert.Contains(t, report.Files[1].Error, "reference is required")
	assert.Equal(t, OutcomeImported, report.Files[2].Outcome)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, report.HasFailures())

	assertExists(t, filepath.Join(f.dir, ProcessedDir, "a.md"))
	assertExists(t, filepath.Join(f.dir, FailedDir, "b.md"))
	assertExists(t, filepath.Join(f.dir, ProcessedDir, "c.md"))

	require.NotNil(t, f.books.get("a"))
	require.NotNil(t, f.books.get("c"))
	assert.Len(t, f.index.pointsFor(f.books.get("a").id), 1)
	assert.Len(t, f.index.pointsFor(f.books.get("c").id), 1)
	assert.Equal(t, 1, f.index.ensured)
}

func TestImportDirectory_UnchangedDocumentIsSkipped(t *testing.T) {
	f := newIngestFixture(t, 1)
	content := bookMarkdown("a", "Livre A", "# Un\nPremier texte.")
	writeFile(t, f.dir, "a.md", content)

	_, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	callsAfterFirst := f.gateway.calls()
	id := f.books.get("a").id

	writeFile(t, f.dir, "a.md", content)
	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Files, 1)
	assert.Equal(t, OutcomeSkipped, report.Files[0].Outcome)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, callsAfterFirst, f.gateway.calls())
	assert.Equal(t, 1, f.books.inserts)
	assert.Equal(t, 0, f.books.updates)
	assert.Empty(t, f.index.deleted)
	assert.Len(t, f.index.pointsFor(id), 1)
	assertExists(t, filepath.Join(f.dir, ProcessedDir, "a.md"))
	assert.Equal(t, []string{events.IngestStarted, events.IngestSkipped, events.IngestRelocated}, f.publisher.types("a.md")[4:])
}

func TestImportDirectory_ChangedDocumentSupersedes(t *testing.T) {
	f := newIngestFixture(t, 1)
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "# Un\nAncien texte.\n# Deux\nAutre chapitre."))
	_, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	id := f.books.get("a").id
	require.Len(t, f.index.pointsFor(id), 2)

	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A, seconde édition", "Nouveau texte sans chapitre."))
	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Files, 1)
	assert.Equal(t, OutcomeUpdated, report.Files[0].Outcome)
	assert.Equal(t, []string{id}, f.index.deleted)

	points := f.index.pointsFor(id)
	require.Len(t, points, 1)
	assert.Equal(t, "Nouveau texte sans chapitre.", points[0].Payload.ChunkText)
	assert.Equal(t, "Livre A, seconde édition", points[0].Payload.Title)
	assert.Equal(t, "", points[0].Payload.Chapter)

	stored := f.books.get("a")
	assert.Equal(t, id, stored.id)
	require.Len(t, stored.chapters, 1)
	assert.Nil(t, stored.chapters[0].Title)
}

func TestImportDirectory_FailureAfterPersistClearsFingerprint(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.gateway.failEmbedOn = "Premier"
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "# Un\nPremier texte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, OutcomeFailed, report.Files[0].Outcome)
	assert.Contains(t, report.Files[0].Error, "embedding error")
	assertExists(t, filepath.Join(f.dir, FailedDir, "a.md"))

	stored := f.books.get("a")
	require.NotNil(t, stored)
	assert.Equal(t, "", stored.fingerprint)
	assert.Equal(t, []string{stored.id}, f.books.resets)
	assert.Contains(t, f.publisher.types("a.md"), events.IngestFailed)

	// putting the file back retries it instead of skipping it
	f.gateway.failEmbedOn = ""
	require.NoError(t, os.Rename(filepath.Join(f.dir, FailedDir, "a.md"), filepath.Join(f.dir, "a.md")))
	report, err = f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, report.Files[0].Outcome)
	assert.Len(t, f.index.pointsFor(stored.id), 1)
}

func TestImportDirectory_EmbeddingCountMismatchFails(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.gateway.shortEmbed = true
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "Texte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Files[0].Outcome)
	assert.Empty(t, f.index.pointsFor(f.books.get("a").id))
}

func TestImportDirectory_ProviderWarningsDoNotFail(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.gateway.summaryErr = errors.New("summary down")
	f.gateway.chapterErr = errors.New("chapters down")
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "# Un\nTexte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	res := report.Files[0]
	assert.Equal(t, OutcomeImported, res.Outcome)
	assert.Len(t, res.Warnings, 2)
	stored := f.books.get("a")
	assert.Nil(t, stored.summary)
	assert.Empty(t, stored.chapters)
	assert.Len(t, f.index.pointsFor(stored.id), 1)
}

func TestImportDirectory_FrontMatterSummaryWins(t *testing.T) {
	f := newIngestFixture(t, 1)
	writeFile(t, f.dir, "a.md", "---\nreference: a\ntitle: Livre A\nsummary: Déjà résumé.\n---\nTexte.\n")

	_, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	stored := f.books.get("a")
	require.NotNil(t, stored.summary)
	assert.Equal(t, "Déjà résumé.", *stored.summary)
	assert.Equal(t, 0, f.gateway.sumCalls)
}

func TestImportDirectory_WithoutProvider(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.gateway.configured = false
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "# Un\nTexte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeImported, report.Files[0].Outcome)
	assert.Equal(t, 0, f.gateway.calls())
	stored := f.books.get("a")
	assert.Nil(t, stored.summary)
	assert.Empty(t, f.index.pointsFor(stored.id))
}

func TestImportDirectory_IgnoresOtherEntries(t *testing.T) {
	f := newIngestFixture(t, 1)
	writeFile(t, f.dir, "notes.txt", "pas un livre")
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "drafts.md"), 0o755))
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "Texte."))

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assertExists(t, filepath.Join(f.dir, "notes.txt"))
	assertExists(t, filepath.Join(f.dir, ProcessedDir))
	assertExists(t, filepath.Join(f.dir, FailedDir))
}

func TestImportDirectory_ParallelWorkersKeepListingOrder(t *testing.T) {
	f := newIngestFixture(t, 4)
	for i := 0; i < 9; i++ {
		ref := fmt.Sprintf("livre-%d", i)
		writeFile(t, f.dir, ref+".md", bookMarkdown(ref, "Livre "+ref, strings.Repeat("mot ", 600)))
	}

	report, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Files, 9)
	for i, res := range report.Files {
		assert.Equal(t, fmt.Sprintf("livre-%d.md", i), res.File)
		assert.Equal(t, OutcomeImported, res.Outcome)
		assert.Equal(t, 2, res.Chunks)
	}
	assert.Equal(t, 9, report.Imported)
}

func TestImportDirectory_RejectsConcurrentRun(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.svc.running.Lock()
	defer f.svc.running.Unlock()

	_, err := f.svc.ImportDirectory(context.Background())
	assert.ErrorIs(t, err, ErrImportRunning)
}

func TestImportDirectory_CollectionFailureAbortsBatch(t *testing.T) {
	f := newIngestFixture(t, 1)
	f.index.ensureErr = errors.New("qdrant unreachable")
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "Texte."))

	_, err := f.svc.ImportDirectory(context.Background())
	require.Error(t, err)
	assertExists(t, filepath.Join(f.dir, "a.md"))
}

func TestImportFile_PublishesStateTransitions(t *testing.T) {
	f := newIngestFixture(t, 1)
	writeFile(t, f.dir, "a.md", bookMarkdown("a", "Livre A", "Texte."))

	_, err := f.svc.ImportDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		events.IngestStarted,
		events.IngestPersisted,
		events.IngestIndexed,
		events.IngestRelocated,
	}, f.publisher.types("a.md"))
}
