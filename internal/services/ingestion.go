package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/attribute"

	"bilbo/internal/markdown"
	"bilbo/internal/middleware"
	"bilbo/internal/mistral"
	"bilbo/internal/models"
	"bilbo/internal/services/events"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// ErrImportRunning is returned when a batch is requested while another one
// is still in progress.
var ErrImportRunning = errors.New("an import is already running")

type Outcome string

const (
	OutcomeImported Outcome = "imported"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// FileResult is the outcome of one document
type FileResult struct {
	File      string   `json:"file"`
	Reference string   `json:"reference,omitempty"`
	Outcome   Outcome  `json:"outcome"`
	Chunks    int      `json:"chunks"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
	Err       error    `json:"-"`
}

// BatchReport summarizes one ImportDirectory run. Files are listed in the
// order they were found.
type BatchReport struct {
	DataDir    string       `json:"data_dir"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Files      []FileResult `json:"files"`
	Imported   int          `json:"imported"`
	Updated    int          `json:"updated"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
}

func (r *BatchReport) HasFailures() bool {
	return r.Failed > 0
}

func (r *BatchReport) add(res FileResult) {
	r.Files = append(r.Files, res)
	switch res.Outcome {
	case OutcomeImported:
		r.Imported++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

type ingestJob struct {
	index int
	path  string
}

// IngestionService imports markdown manuscripts from a data directory into
// the catalogue and the vector index. Each document is owned by a single
// worker from start to finish, so its relational write always precedes the
// removal and re-insertion of its vector points.
type IngestionService struct {
	books     BookStore
	index     VectorIndex
	gateway   Gateway
	publisher EventPublisher
	chunker   *markdown.Chunker

	dataDir string
	workers int

	running sync.Mutex
}

func NewIngestionService(
	books BookStore,
	index VectorIndex,
	gateway Gateway,
	publisher EventPublisher,
	dataDir string,
	workers int,
) *IngestionService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if workers < 1 {
		workers = 1
	}
	return &IngestionService{
		books:     books,
		index:     index,
		gateway:   gateway,
		publisher: publisher,
		chunker:   markdown.NewChunker(),
		dataDir:   dataDir,
		workers:   workers,
	}
}

// DataDir returns the directory scanned by ImportDirectory
func (s *IngestionService) DataDir() string {
	return s.dataDir
}

// ImportDirectory processes every *.md file directly inside the data
// directory. Per-document failures are reported in the BatchReport; an
// error is only returned when the batch itself could not run.
func (s *IngestionService) ImportDirectory(ctx context.Context) (*BatchReport, error) {
	if !s.running.TryLock() {
		return nil, ErrImportRunning
	}
	defer s.running.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Ingestion.ImportDirectory",
		attribute.String("data_dir", s.dataDir),
		attribute.Int("workers", s.workers),
	)
	defer span.End()

	report := &BatchReport{DataDir: s.dataDir, StartedAt: time.Now().UTC()}

	for _, dir := range []string{ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(s.dataDir, dir), 0o755); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	if err := s.index.EnsureCollection(ctx); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to ensure vector collection: %w", err)
	}

	files, err := s.listDocuments()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	log.Info().Str("data_dir", s.dataDir).Int("files", len(files)).Int("workers", s.workers).Msg("starting import")

	results := s.runPool(ctx, files)
	for _, res := range results {
		if res.Outcome != "" {
			report.add(res)
		}
	}
	report.FinishedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.Int("imported", report.Imported),
		attribute.Int("updated", report.Updated),
		attribute.Int("skipped", report.Skipped),
		attribute.Int("failed", report.Failed),
	)
	log.Info().
		Int("imported", report.Imported).
		Int("updated", report.Updated).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("import finished")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("import interrupted: %w", err)
	}
	return report, nil
}

// listDocuments returns the *.md regular files of the data directory in
// lexical order.
func (s *IngestionService) listDocuments() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		files = append(files, filepath.Join(s.dataDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// runPool feeds files to the workers. Results keep the listing order;
// files not reached before ctx is cancelled have an empty Outcome.
func (s *IngestionService) runPool(ctx context.Context, files []string) []FileResult {
	results := make([]FileResult, len(files))
	jobs := make(chan ingestJob)

	workers := s.workers
	if workers > len(files) {
		workers = len(files)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.worker(ctx, i, jobs, results, &wg)
	}

feed:
	for i, f := range files {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- ingestJob{index: i, path: f}:
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

func (s *IngestionService) worker(ctx context.Context, id int, jobs <-chan ingestJob, results []FileResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("ingest worker cancelled")
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			results[job.index] = s.ImportFile(ctx, job.path)
		}
	}
}

// ImportFile runs one document through the pipeline and moves it to
// processed/ or failed/.
func (s *IngestionService) ImportFile(ctx context.Context, path string) FileResult {
	name := filepath.Base(path)
	ctx, span := middleware.StartSpan(ctx, "Ingestion.ImportFile", attribute.String("file", name))
	defer span.End()

	s.publish(ctx, events.Event{Type: events.IngestStarted, File: name})
	log.Info().Str("file", name).Msg("processing document")

	res := s.process(ctx, path)
	if res.Err != nil {
		middleware.AddSpanError(ctx, res.Err)
		res.Outcome = OutcomeFailed
		res.Error = res.Err.Error()
		log.Error().Err(res.Err).Str("file", name).Str("reference", res.Reference).Msg("failed to import document")
		s.publish(ctx, events.Event{Type: events.IngestFailed, File: name, Reference: res.Reference, Error: res.Error})
	}

	dest := ProcessedDir
	if res.Outcome == OutcomeFailed {
		dest = FailedDir
	}
	if err := os.Rename(path, filepath.Join(s.dataDir, dest, name)); err != nil {
		err = fmt.Errorf("failed to move %s to %s/: %w", name, dest, err)
		log.Error().Err(err).Str("file", name).Msg("failed to relocate document")
		if res.Err == nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			res.Error = err.Error()
		}
		return res
	}

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	log.Info().Str("file", name).Str("outcome", string(res.Outcome)).Str("dest", dest).Msg("document relocated")
	s.publish(ctx, events.Event{Type: events.IngestRelocated, File: name, Reference: res.Reference, Detail: dest})
	return res
}

func (s *IngestionService) process(ctx context.Context, path string) FileResult {
	name := filepath.Base(path)
	res := FileResult{File: name}

	raw, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("failed to read document: %w", err)
		return res
	}
	doc, err := markdown.ParseDocument(name, raw)
	if err != nil {
		res.Err = err
		return res
	}
	res.Reference = doc.Reference

	existing, err := s.books.FindByReference(ctx, doc.Reference)
	if err != nil {
		res.Err = fmt.Errorf("failed to look up book: %w", err)
		return res
	}
	if existing != nil && existing.Fingerprint == doc.Fingerprint {
		res.Outcome = OutcomeSkipped
		log.Info().Str("reference", doc.Reference).Msg("book unchanged, skipping")
		s.publish(ctx, events.Event{Type: events.IngestSkipped, File: name, Reference: doc.Reference, BookID: existing.ID})
		return res
	}

	summary := doc.Summary
	if summary == nil && s.gateway.Configured() {
		generated, err := s.gateway.Summarize(ctx, doc.Body)
		if err != nil {
			res.Warnings = append(res.Warnings, "summary: "+err.Error())
			log.Warn().Err(err).Str("reference", doc.Reference).Msg("failed to generate summary")
		} else if strings.TrimSpace(generated) != "" {
			summary = &generated
		}
	}

	var bookID string
	if existing == nil {
		bookID, err = s.books.Insert(ctx, doc, doc.Fingerprint, summary)
		res.Outcome = OutcomeImported
	} else {
		bookID, err = s.books.Update(ctx, doc.Reference, doc, doc.Fingerprint, summary)
		res.Outcome = OutcomeUpdated
	}
	if err != nil {
		res.Err = fmt.Errorf("failed to persist book: %w", err)
		return res
	}
	s.publish(ctx, events.Event{Type: events.IngestPersisted, File: name, Reference: doc.Reference, BookID: bookID})

	chunks, err := s.enrich(ctx, bookID, doc, existing != nil, &res)
	if err != nil {
		res.Err = err
		// the book row is already written; clear its fingerprint so the
		// next run does not skip the document
		if rerr := s.books.ResetFingerprint(ctx, bookID); rerr != nil {
			log.Error().Err(rerr).Str("book_id", bookID).Msg("failed to reset fingerprint")
		}
		return res
	}
	res.Chunks = chunks

	log.Info().Str("reference", doc.Reference).Str("title", doc.Title).Int("chunks", chunks).Msg("imported book")
	return res
}

// enrich stores chapter summaries and indexes the chunk vectors of a
// persisted book. It returns the number of indexed chunks.
func (s *IngestionService) enrich(ctx context.Context, bookID string, doc *models.BookDocument, replacing bool, res *FileResult) (int, error) {
	chapters := markdown.ExtractChapters(doc.Body)

	if s.gateway.Configured() {
		summaries := s.chapterSummaries(ctx, chapters, res)
		if err := s.books.ReplaceChapterSummaries(ctx, bookID, summaries); err != nil {
			return 0, fmt.Errorf("failed to store chapter summaries: %w", err)
		}
	}

	chunks := s.chunker.ChunkChapters(chapters)
	if !s.gateway.Configured() || len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.gateway.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding error: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding error: expected %d vectors, got %d", len(chunks), len(vectors))
	}

	if replacing {
		if err := s.index.DeleteByBook(ctx, bookID); err != nil {
			return 0, fmt.Errorf("failed to delete previous chunks: %w", err)
		}
	}

	points := make([]models.ChunkPoint, len(chunks))
	for i, c := range chunks {
		chapter := ""
		if c.ChapterTitle != nil {
			chapter = *c.ChapterTitle
		}
		points[i] = models.ChunkPoint{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: models.ChunkPayload{
				BookID:     bookID,
				Reference:  doc.Reference,
				Title:      doc.Title,
				ChunkIndex: c.ChunkIndex,
				ChunkText:  c.Text,
				ChapterIdx: c.ChapterIndex,
				Chapter:    chapter,
				Authors:    doc.Authors,
				Tags:       doc.Tags,
			},
		}
	}
	if err := s.index.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("failed to index chunks: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:      events.IngestIndexed,
		File:      res.File,
		Reference: doc.Reference,
		BookID:    bookID,
		Detail:    fmt.Sprintf("%d chunks", len(points)),
	})
	return len(points), nil
}

// chapterSummaries asks the provider for one summary per chapter and keeps
// the non-empty ones. A provider failure yields an empty set.
func (s *IngestionService) chapterSummaries(ctx context.Context, chapters []markdown.Chapter, res *FileResult) []models.ChapterSummary {
	inputs := make([]mistral.ChapterInput, len(chapters))
	for i, ch := range chapters {
		inputs[i] = mistral.ChapterInput{Title: ch.Title, Text: ch.Text}
	}

	texts, err := s.gateway.SummarizeChapters(ctx, inputs)
	if err != nil {
		res.Warnings = append(res.Warnings, "chapter summaries: "+err.Error())
		log.Warn().Err(err).Str("reference", res.Reference).Msg("failed to generate chapter summaries")
		return nil
	}

	var out []models.ChapterSummary
	for i, text := range texts {
		if text == "" || i >= len(chapters) {
			continue
		}
		out = append(out, models.ChapterSummary{ChapterIdx: i, Title: chapters[i].Title, Summary: text})
	}
	return out
}

func (s *IngestionService) publish(ctx context.Context, ev events.Event) {
	s.publisher.Publish(ctx, ev)
}
