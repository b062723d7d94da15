package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"

	"bilbo/internal/mistral"
	"bilbo/internal/models"
	"bilbo/internal/services/events"
)

type storedBook struct {
	id          string
	fingerprint string
	doc         *models.BookDocument
	summary     *string
	chapters    []models.ChapterSummary
}

type fakeBooks struct {
	mu      sync.Mutex
	byRef   map[string]*storedBook
	inserts int
	updates int
	resets  []string
	details map[string]*models.BookDetail
	page    *models.SearchPage
	refs    []models.BookRef
	err     error
}

func newFakeBooks() *fakeBooks {
	return &fakeBooks{byRef: map[string]*storedBook{}, details: map[string]*models.BookDetail{}}
}

func (f *fakeBooks) FindByReference(ctx context.Context, reference string) (*models.BookFingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byRef[reference]
	if !ok {
		return nil, nil
	}
	return &models.BookFingerprint{ID: b.id, Fingerprint: b.fingerprint}, nil
}

func (f *fakeBooks) Insert(ctx context.Context, doc *models.BookDocument, fingerprint string, summary *string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	id := ksuid.New().String()
	f.byRef[doc.Reference] = &storedBook{id: id, fingerprint: fingerprint, doc: doc, summary: summary}
	return id, nil
}

func (f *fakeBooks) Update(ctx context.Context, reference string, doc *models.BookDocument, fingerprint string, summary *string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	b, ok := f.byRef[reference]
	if !ok {
		return "", errors.New("not found")
	}
	b.fingerprint, b.doc, b.summary = fingerprint, doc, summary
	return b.id, nil
}

func (f *fakeBooks) ResetFingerprint(ctx context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, bookID)
	for _, b := range f.byRef {
		if b.id == bookID {
			b.fingerprint = ""
		}
	}
	return nil
}

func (f *fakeBooks) ReplaceChapterSummaries(ctx context.Context, bookID string, summaries []models.ChapterSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.byRef {
		if b.id == bookID {
			b.chapters = summaries
		}
	}
	return nil
}

func (f *fakeBooks) Search(ctx context.Context, q models.SearchQuery) (*models.SearchPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.page == nil {
		return &models.SearchPage{}, nil
	}
	cp := *f.page
	cp.Books = append([]models.BookSummary(nil), f.page.Books...)
	return &cp, nil
}

func (f *fakeBooks) GetDetail(ctx context.Context, reference string) (*models.BookDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.details[reference], nil
}

func (f *fakeBooks) ListTags(ctx context.Context) ([]string, error)    { return nil, f.err }
func (f *fakeBooks) ListAuthors(ctx context.Context) ([]string, error) { return []string{"Tolkien"}, f.err }

func (f *fakeBooks) ListReferences(ctx context.Context) ([]models.BookRef, error) {
	return f.refs, f.err
}

func (f *fakeBooks) get(ref string) *storedBook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byRef[ref]
}

type fakeIndex struct {
	mu        sync.Mutex
	ensured   int
	ensureErr error
	points    map[string][]models.ChunkPoint
	deleted   []string
	hits      []models.ChunkHit
	searches  []models.VectorFilter
	limits    []int
	err       error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: map[string][]models.ChunkPoint{}}
}

func (f *fakeIndex) EnsureCollection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return f.ensureErr
}

func (f *fakeIndex) DeleteByBook(ctx context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, bookID)
	delete(f.points, bookID)
	return nil
}

func (f *fakeIndex) Upsert(ctx context.Context, points []models.ChunkPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		if err := p.Validate(models.EmbeddingDimensions); err != nil {
			return err
		}
		f.points[p.Payload.BookID] = append(f.points[p.Payload.BookID], p)
	}
	return nil
}

func (f *fakeIndex) Search(ctx context.Context, vector []float32, filter models.VectorFilter, limit int) ([]models.ChunkHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, filter)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeIndex) pointsFor(bookID string) []models.ChunkPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.points[bookID]
}

type fakeGateway struct {
	mu         sync.Mutex
	configured bool
	embedCalls int
	chatCalls  int
	sumCalls   int
	embedErr   error

	// failEmbedOn makes Embed fail when any text contains it
	failEmbedOn string
	shortEmbed  bool
	summaryErr  error
	chapterErr  error
	answer      string
	lastContext string
}

func (f *fakeGateway) Configured() bool { return f.configured }

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	for _, t := range texts {
		if f.failEmbedOn != "" && strings.Contains(t, f.failEmbedOn) {
			return nil, &mistral.ProviderError{StatusCode: 503, Body: "overloaded"}
		}
	}
	n := len(texts)
	if f.shortEmbed {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, models.EmbeddingDimensions)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeGateway) Summarize(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumCalls++
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	return "Résumé généré.", nil
}

func (f *fakeGateway) SummarizeChapters(ctx context.Context, chapters []mistral.ChapterInput) ([]string, error) {
	if f.chapterErr != nil {
		return nil, f.chapterErr
	}
	out := make([]string, len(chapters))
	for i, ch := range chapters {
		if strings.TrimSpace(ch.Text) != "" {
			out[i] = "Résumé du chapitre."
		}
	}
	return out, nil
}

func (f *fakeGateway) ChatAnswer(ctx context.Context, contextText string, prior []models.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastContext = contextText
	return f.answer, nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedCalls + f.chatCalls + f.sumCalls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types(file string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.File == file {
			out = append(out, ev.Type)
		}
	}
	return out
}
