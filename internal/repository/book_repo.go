package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bilbo/internal/apperr"
	"bilbo/internal/models"
)

const storePostgres = "postgres"

// BookRepositoryImpl handles all catalogue operations using GORM.
// The services package declares the interface it needs.
type BookRepositoryImpl struct {
	db *gorm.DB
}

// NewBookRepository creates a new book repository
func NewBookRepository(db *gorm.DB) *BookRepositoryImpl {
	return &BookRepositoryImpl{db: db}
}

// FindByReference returns the id and fingerprint of the book, or nil when
// no book has this reference.
func (r *BookRepositoryImpl) FindByReference(ctx context.Context, reference string) (*models.BookFingerprint, error) {
	var book models.Book
	err := r.db.WithContext(ctx).
		Select("id", "fingerprint").
		Where("reference = ?", reference).
		Take(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(storePostgres, "find book", err)
	}
	return &models.BookFingerprint{ID: book.ID, Fingerprint: book.Fingerprint}, nil
}

// Insert creates the book with its search projection, authors, tags and
// reseller links in one transaction.
func (r *BookRepositoryImpl) Insert(ctx context.Context, doc *models.BookDocument, fingerprint string, summary *string) (string, error) {
	book := bookFromDocument(doc, fingerprint, summary)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(book).Error; err != nil {
			return err
		}
		return writeChildren(tx, book.ID, doc)
	})
	if err != nil {
		return "", apperr.Store(storePostgres, "insert book", err)
	}
	return book.ID, nil
}

// Update overwrites the book identified by reference. Author, tag and
// reseller links are replaced, not merged.
func (r *BookRepositoryImpl) Update(ctx context.Context, reference string, doc *models.BookDocument, fingerprint string, summary *string) (string, error) {
	var id string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Book
		if err := tx.Select("id").Where("reference = ?", reference).Take(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		id = existing.ID

		err := tx.Model(&models.Book{}).Where("id = ?", id).Updates(map[string]any{
			"fingerprint":  fingerprint,
			"title":        doc.Title,
			"editor":       doc.Editor,
			"edition_date": doc.EditionDate,
			"summary":      summary,
			"introduction": doc.Introduction,
			"cover_text":   doc.CoverText,
			"ean":          doc.EAN,
			"isbn":         doc.ISBN,
			"updated_at":   gorm.Expr("now()"),
		}).Error
		if err != nil {
			return err
		}

		for _, stmt := range []string{
			"DELETE FROM book_authors WHERE book_id = ?",
			"DELETE FROM book_tags WHERE book_id = ?",
			"DELETE FROM reseller_urls WHERE book_id = ?",
		} {
			if err := tx.Exec(stmt, id).Error; err != nil {
				return err
			}
		}
		return writeChildren(tx, id, doc)
	})
	if err != nil {
		return "", apperr.Store(storePostgres, "update book", err)
	}
	return id, nil
}

// ResetFingerprint blanks the stored fingerprint so the next import of the
// book is never skipped. Used when indexing fails after the book row was
// written.
func (r *BookRepositoryImpl) ResetFingerprint(ctx context.Context, bookID string) error {
	err := r.db.WithContext(ctx).Model(&models.Book{}).Where("id = ?", bookID).UpdateColumn("fingerprint", "").Error
	return apperr.Store(storePostgres, "reset fingerprint", err)
}

func bookFromDocument(doc *models.BookDocument, fingerprint string, summary *string) *models.Book {
	return &models.Book{
		Reference:   doc.Reference,
		Fingerprint: fingerprint,
		Title:       doc.Title,
		Editor:      doc.Editor,
		EditionDate: doc.EditionDate,
		Summary:     summary,
		Intro:       doc.Introduction,
		CoverText:   doc.CoverText,
		EAN:         doc.EAN,
		ISBN:        doc.ISBN,
	}
}

// writeChildren sets the search projection and inserts every row that
// hangs off the book.
func writeChildren(tx *gorm.DB, bookID string, doc *models.BookDocument) error {
	err := tx.Exec(
		"UPDATE books SET search_vector = to_tsvector('french', ?) WHERE id = ?",
		doc.SearchText(), bookID,
	).Error
	if err != nil {
		return err
	}

	for _, name := range uniqueNames(doc.Authors) {
		var author models.Author
		if err := upsertByName(tx, &author, name); err != nil {
			return err
		}
		if err := tx.Exec(
			"INSERT INTO book_authors (book_id, author_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			bookID, author.ID,
		).Error; err != nil {
			return err
		}
	}

	for _, name := range uniqueNames(doc.Tags) {
		var tag models.Tag
		if err := upsertByName(tx, &tag, name); err != nil {
			return err
		}
		if err := tx.Exec(
			"INSERT INTO book_tags (book_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			bookID, tag.ID,
		).Error; err != nil {
			return err
		}
	}

	var links []models.ResellerURL
	for _, u := range doc.ResellerPaperURLs {
		links = append(links, models.ResellerURL{BookID: bookID, URL: u, Kind: models.ResellerPaper})
	}
	for _, u := range doc.ResellerDigitalURLs {
		links = append(links, models.ResellerURL{BookID: bookID, URL: u, Kind: models.ResellerDigital})
	}
	if len(links) > 0 {
		if err := tx.Create(&links).Error; err != nil {
			return err
		}
	}
	return nil
}

// upsertByName inserts a named entity unless one already exists, then
// loads the stored row so dest carries the persisted id.
func upsertByName[T models.Author | models.Tag](tx *gorm.DB, dest *T, name string) error {
	var row T
	switch v := any(&row).(type) {
	case *models.Author:
		v.Name = name
	case *models.Tag:
		v.Name = name
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return err
	}
	return tx.Where("name = ?", name).Take(dest).Error
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ReplaceChapterSummaries drops every stored chapter summary of the book and
// stores the given set instead. An empty set clears them.
func (r *BookRepositoryImpl) ReplaceChapterSummaries(ctx context.Context, bookID string, summaries []models.ChapterSummary) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", bookID).Delete(&models.ChapterSummary{}).Error; err != nil {
			return err
		}
		if len(summaries) == 0 {
			return nil
		}
		rows := make([]models.ChapterSummary, len(summaries))
		for i, s := range summaries {
			rows[i] = models.ChapterSummary{
				BookID:     bookID,
				ChapterIdx: s.ChapterIdx,
				Title:      s.Title,
				Summary:    s.Summary,
			}
		}
		return tx.Create(&rows).Error
	})
	return apperr.Store(storePostgres, "replace chapter summaries", err)
}

// filtered applies the text query and the tag/author filters shared by the
// count and the page query.
func (r *BookRepositoryImpl) filtered(ctx context.Context, q models.SearchQuery) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&models.Book{})

	if text := strings.TrimSpace(q.Query); text != "" {
		like := "%" + text + "%"
		tx = tx.Where(
			"(books.search_vector @@ plainto_tsquery('french', ?) OR books.title ILIKE ? OR books.editor ILIKE ?)",
			text, like, like,
		)
	}
	if tags := uniqueNames(q.Tags); len(tags) > 0 {
		tx = tx.Where(`EXISTS (
			SELECT 1 FROM book_tags bt JOIN tags t ON t.id = bt.tag_id
			WHERE bt.book_id = books.id AND t.name IN ?)`, tags)
	}
	if author := strings.TrimSpace(q.Author); author != "" {
		tx = tx.Where(`EXISTS (
			SELECT 1 FROM book_authors ba JOIN authors a ON a.id = ba.author_id
			WHERE ba.book_id = books.id AND a.name = ?)`, author)
	}
	return tx
}

// Search returns one page of books, most recently updated first. A blank
// query applies the filters only.
func (r *BookRepositoryImpl) Search(ctx context.Context, q models.SearchQuery) (*models.SearchPage, error) {
	q = q.Normalize()

	var total int64
	if err := r.filtered(ctx, q).Count(&total).Error; err != nil {
		return nil, apperr.Store(storePostgres, "count books", err)
	}

	var books []models.Book
	err := r.filtered(ctx, q).
		Preload("Authors", orderByName("authors")).
		Preload("Tags", orderByName("tags")).
		Order("books.updated_at DESC").
		Order("books.id DESC").
		Limit(q.PageSize).
		Offset(q.Page * q.PageSize).
		Find(&books).Error
	if err != nil {
		return nil, apperr.Store(storePostgres, "search books", err)
	}

	page := &models.SearchPage{Books: make([]models.BookSummary, 0, len(books)), Total: total}
	for i := range books {
		page.Books = append(page.Books, toSummary(&books[i]))
	}
	return page, nil
}

// GetDetail returns the full book, or nil when the reference is unknown
func (r *BookRepositoryImpl) GetDetail(ctx context.Context, reference string) (*models.BookDetail, error) {
	var book models.Book
	err := r.db.WithContext(ctx).
		Preload("Authors", orderByName("authors")).
		Preload("Tags", orderByName("tags")).
		Preload("ResellerURLs", func(db *gorm.DB) *gorm.DB { return db.Order("kind, url") }).
		Preload("ChapterSummaries", func(db *gorm.DB) *gorm.DB { return db.Order("chapter_idx") }).
		Where("reference = ?", reference).
		Take(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store(storePostgres, "get book", err)
	}

	return &models.BookDetail{
		BookSummary:      toSummary(&book),
		Introduction:     book.Intro,
		CoverText:        book.CoverText,
		EAN:              book.EAN,
		ISBN:             book.ISBN,
		ResellerURLs:     book.ResellerURLs,
		ChapterSummaries: book.ChapterSummaries,
	}, nil
}

func (r *BookRepositoryImpl) ListTags(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&models.Tag{}).Distinct("name").Order("name").Pluck("name", &names).Error
	if err != nil {
		return nil, apperr.Store(storePostgres, "list tags", err)
	}
	return names, nil
}

func (r *BookRepositoryImpl) ListAuthors(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&models.Author{}).Distinct("name").Order("name").Pluck("name", &names).Error
	if err != nil {
		return nil, apperr.Store(storePostgres, "list authors", err)
	}
	return names, nil
}

// ListReferences returns every (reference, title) pair ordered by title
func (r *BookRepositoryImpl) ListReferences(ctx context.Context) ([]models.BookRef, error) {
	var refs []models.BookRef
	err := r.db.WithContext(ctx).Model(&models.Book{}).
		Select("reference", "title").
		Order("title").
		Scan(&refs).Error
	if err != nil {
		return nil, apperr.Store(storePostgres, "list references", err)
	}
	return refs, nil
}

func orderByName(table string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(table + ".name")
	}
}

func toSummary(b *models.Book) models.BookSummary {
	s := models.BookSummary{
		ID:          b.ID,
		Reference:   b.Reference,
		Title:       b.Title,
		Authors:     make([]string, 0, len(b.Authors)),
		Tags:        make([]string, 0, len(b.Tags)),
		Editor:      b.Editor,
		EditionDate: b.EditionDate,
		Summary:     b.Summary,
	}
	for _, a := range b.Authors {
		s.Authors = append(s.Authors, a.Name)
	}
	for _, t := range b.Tags {
		s.Tags = append(s.Tags, t.Name)
	}
	return s
}
