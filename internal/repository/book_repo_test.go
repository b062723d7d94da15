package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bilbo/internal/db"
	"bilbo/internal/models"
)

// openTestDB connects to BILBO_TEST_DATABASE_URL and empties the catalogue
// tables. The test is skipped when the variable is unset.
func openTestDB(t *testing.T, withVectors bool) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("BILBO_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BILBO_TEST_DATABASE_URL not set")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	wrapped := &db.GormDB{DB: gdb}
	require.NoError(t, wrapped.Migrate(withVectors))

	tables := "book_authors, book_tags, reseller_urls, chapter_summaries, authors, tags, books"
	if withVectors {
		tables += ", book_chunks"
	}
	require.NoError(t, gdb.Exec("TRUNCATE "+tables+" CASCADE").Error)
	t.Cleanup(func() { _ = wrapped.Close() })
	return gdb
}

func strPtr(s string) *string { return &s }

func testDocument(ref, title string) *models.BookDocument {
	return &models.BookDocument{
		FrontMatter: models.FrontMatter{
			Reference:         ref,
			Title:             title,
			Authors:           []string{"Jules Verne"},
			Editor:            strPtr("Hetzel"),
			Tags:              []string{"aventure", "classique"},
			ResellerPaperURLs: []string{"https://example.com/p/" + ref},
		},
		Body:        "Le capitaine Nemo commande le Nautilus.",
		Fingerprint: "fp-" + ref,
	}
}

func TestBookRepository_InsertFindDetail(t *testing.T) {
	repo := NewBookRepository(openTestDB(t, false))
	ctx := context.Background()

	missing, err := repo.FindByReference(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	doc := testDocument("vingt-mille-lieues", "Vingt mille lieues sous les mers")
	id, err := repo.Insert(ctx, doc, doc.Fingerprint, strPtr("Un sous-marin."))
	require.NoError(t, err)
	assert.Len(t, id, 27)

	found, err := repo.FindByReference(ctx, doc.Reference)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)
	assert.Equal(t, doc.Fingerprint, found.Fingerprint)

	detail, err := repo.GetDetail(ctx, doc.Reference)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, []string{"Jules Verne"}, detail.Authors)
	assert.Equal(t, []string{"aventure", "classique"}, detail.Tags)
	require.Len(t, detail.ResellerURLs, 1)
	assert.Equal(t, models.ResellerPaper, detail.ResellerURLs[0].Kind)
	assert.Equal(t, "Un sous-marin.", *detail.Summary)

	none, err := repo.GetDetail(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBookRepository_UpdateReplacesLinksAndSummaries(t *testing.T) {
	repo := NewBookRepository(openTestDB(t, false))
	ctx := context.Background()

	doc := testDocument("ile-mysterieuse", "L'Île mystérieuse")
	id, err := repo.Insert(ctx, doc, doc.Fingerprint, nil)
	require.NoError(t, err)
	require.NoError(t, repo.ReplaceChapterSummaries(ctx, id, []models.ChapterSummary{
		{ChapterIdx: 0, Summary: "un"},
		{ChapterIdx: 1, Summary: "deux"},
		{ChapterIdx: 2, Summary: "trois"},
	}))

	changed := testDocument("ile-mysterieuse", "L'Île mystérieuse (réédition)")
	changed.Authors = []string{"J. Verne"}
	changed.Tags = []string{"robinsonnade"}
	changed.ResellerPaperURLs = nil
	updatedID, err := repo.Update(ctx, changed.Reference, changed, "fp-2", nil)
	require.NoError(t, err)
	assert.Equal(t, id, updatedID)
	require.NoError(t, repo.ReplaceChapterSummaries(ctx, id, []models.ChapterSummary{
		{ChapterIdx: 0, Summary: "nouveau"},
	}))

	detail, err := repo.GetDetail(ctx, changed.Reference)
	require.NoError(t, err)
	assert.Equal(t, "L'Île mystérieuse (réédition)", detail.Title)
	assert.Equal(t, []string{"J. Verne"}, detail.Authors)
	assert.Equal(t, []string{"robinsonnade"}, detail.Tags)
	assert.Empty(t, detail.ResellerURLs)
	require.Len(t, detail.ChapterSummaries, 1)
	assert.Equal(t, "nouveau", detail.ChapterSummaries[0].Summary)

	fp, err := repo.FindByReference(ctx, changed.Reference)
	require.NoError(t, err)
	assert.Equal(t, "fp-2", fp.Fingerprint)
}

func TestBookRepository_SearchPaginationAndFilters(t *testing.T) {
	repo := NewBookRepository(openTestDB(t, false))
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		doc := testDocument(fmt.Sprintf("livre-%02d", i), fmt.Sprintf("Livre %02d", i))
		if i%5 == 0 {
			doc.Tags = []string{"poesie"}
			doc.Authors = []string{"Victor Hugo"}
		}
		_, err := repo.Insert(ctx, doc, doc.Fingerprint, nil)
		require.NoError(t, err)
	}

	page, err := repo.Search(ctx, models.SearchQuery{PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	require.Len(t, page.Books, 20)
	// most recently updated first
	assert.Equal(t, "livre-24", page.Books[0].Reference)

	second, err := repo.Search(ctx, models.SearchQuery{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, second.Books, 5)

	tagged, err := repo.Search(ctx, models.SearchQuery{Tags: []string{"poesie"}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), tagged.Total)

	byAuthor, err := repo.Search(ctx, models.SearchQuery{Author: "Victor Hugo", Tags: []string{"aventure"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), byAuthor.Total)

	text, err := repo.Search(ctx, models.SearchQuery{Query: "Livre 07"})
	require.NoError(t, err)
	require.NotZero(t, text.Total)
	assert.Equal(t, "livre-07", text.Books[0].Reference)

	tags, err := repo.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aventure", "classique", "poesie"}, tags)

	refs, err := repo.ListReferences(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 25)
	assert.Equal(t, "Livre 00", refs[0].Title)
}

func TestChunkRepository_RoundTrip(t *testing.T) {
	gdb := openTestDB(t, true)
	// the ivfflat index is built on an empty table; probe every list so
	// results are exact
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.Exec("SET ivfflat.probes = 100").Error)

	chunks := NewChunkRepository(gdb)
	ctx := context.Background()
	require.NoError(t, chunks.EnsureCollection(ctx))

	points := []models.ChunkPoint{testPoint("b1", 0), testPoint("b1", 1), testPoint("b2", 0)}
	points[0].Vector[0] = 1
	points[1].Vector[1] = 1
	points[2].Vector[0] = 1
	points[2].Payload.Tags = []string{"essai"}
	require.NoError(t, chunks.Upsert(ctx, points))

	hits, err := chunks.Search(ctx, points[0].Vector, models.VectorFilter{}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)

	filtered, err := chunks.Search(ctx, points[0].Vector, models.VectorFilter{Tags: []string{"essai"}}, 5)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "ref-b2", filtered[0].Reference)

	require.NoError(t, chunks.DeleteByBook(ctx, "b1"))
	rest, err := chunks.Search(ctx, points[0].Vector, models.VectorFilter{}, 5)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
