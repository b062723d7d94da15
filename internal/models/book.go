package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ResellerKind distinguishes paper from digital reseller links
type ResellerKind string

const (
	ResellerPaper   ResellerKind = "paper"
	ResellerDigital ResellerKind = "digital"
)

// Book is the relational record for one manuscript, keyed by Reference.
// The full-text projection (search_vector) is not mapped here: it is a
// tsvector column maintained with raw SQL, see db.NewGorm.
type Book struct {
	ID          string    `json:"id" gorm:"type:char(27);primaryKey"`
	Reference   string    `json:"reference" gorm:"type:text;not null;uniqueIndex"`
	Fingerprint string    `json:"-" gorm:"type:char(64);not null"`
	Title       string    `json:"title" gorm:"type:text;not null"`
	Editor      *string   `json:"editor" gorm:"type:text"`
	EditionDate *string   `json:"edition_date" gorm:"type:text"`
	Summary     *string   `json:"summary" gorm:"type:text"`
	Intro       *string   `json:"introduction" gorm:"column:introduction;type:text"`
	CoverText   *string   `json:"cover_text" gorm:"type:text"`
	EAN         *string   `json:"ean" gorm:"column:ean;type:text"`
	ISBN        *string   `json:"isbn" gorm:"column:isbn;type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime;index"`

	Authors          []Author         `json:"-" gorm:"many2many:book_authors;constraint:OnDelete:CASCADE"`
	Tags             []Tag            `json:"-" gorm:"many2many:book_tags;constraint:OnDelete:CASCADE"`
	ResellerURLs     []ResellerURL    `json:"-" gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
	ChapterSummaries []ChapterSummary `json:"-" gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook generates KSUID before inserting
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = ksuid.New().String()
	}
	return nil
}

// Author is a normalized author entity, unique by name
type Author struct {
	ID   string `json:"id" gorm:"type:char(27);primaryKey"`
	Name string `json:"name" gorm:"type:text;not null;uniqueIndex"`
}

func (a *Author) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}

// Tag is a normalized tag entity, unique by name
type Tag struct {
	ID   string `json:"id" gorm:"type:char(27);primaryKey"`
	Name string `json:"name" gorm:"type:text;not null;uniqueIndex"`
}

func (t *Tag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = ksuid.New().String()
	}
	return nil
}

type ResellerURL struct {
	ID     string       `json:"-" gorm:"type:char(27);primaryKey"`
	BookID string       `json:"-" gorm:"type:char(27);not null;index"`
	URL    string       `json:"url" gorm:"type:text;not null"`
	Kind   ResellerKind `json:"kind" gorm:"type:varchar(16);not null"`
}

func (r *ResellerURL) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ResellerURL) TableName() string {
	return "reseller_urls"
}

// ChapterSummary holds the generated summary of one chapter.
// A book has at most one summary per chapter index.
type ChapterSummary struct {
	ID         string  `json:"-" gorm:"type:char(27);primaryKey"`
	BookID     string  `json:"-" gorm:"type:char(27);not null;uniqueIndex:idx_chapter_summaries_book_chapter"`
	ChapterIdx int     `json:"chapter_idx" gorm:"not null;uniqueIndex:idx_chapter_summaries_book_chapter"`
	Title      *string `json:"title" gorm:"type:text"`
	Summary    string  `json:"summary" gorm:"type:text;not null"`
}

func (c *ChapterSummary) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// BookFingerprint is what the ingestion pipeline needs to decide whether a
// document changed since its last import.
type BookFingerprint struct {
	ID          string
	Fingerprint string
}

// BookRef is a (reference, title) pair, used for sitemaps
type BookRef struct {
	Reference string `json:"reference"`
	Title     string `json:"title"`
}

// BookSummary is one row of a search result page
type BookSummary struct {
	ID          string   `json:"id"`
	Reference   string   `json:"reference"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Tags        []string `json:"tags"`
	Editor      *string  `json:"editor"`
	EditionDate *string  `json:"edition_date"`
	Summary     *string  `json:"summary"`
}

// BookDetail is the full view of a book including its child rows
type BookDetail struct {
	BookSummary
	Introduction     *string          `json:"introduction"`
	CoverText        *string          `json:"cover_text"`
	EAN              *string          `json:"ean"`
	ISBN             *string          `json:"isbn"`
	ResellerURLs     []ResellerURL    `json:"reseller_urls"`
	ChapterSummaries []ChapterSummary `json:"chapter_summaries"`
}

// SearchQuery describes a catalogue search.
// An empty Query lists every book matching the filters.
type SearchQuery struct {
	Query    string   `json:"query"`
	Tags     []string `json:"tags"`
	Author   string   `json:"author"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging values into their valid ranges
func (q SearchQuery) Normalize() SearchQuery {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// SearchPage is one page of search results. Total counts every match,
// not just the ones on this page.
type SearchPage struct {
	Books []BookSummary `json:"books"`
	Total int64         `json:"total"`
}
