package markdown

const (
	DefaultWindow  = 2000
	DefaultOverlap = 400
)

// Chunk is a window of chapter text, measured in runes
type Chunk struct {
	ChapterIndex int
	ChapterTitle *string
	ChunkIndex   int
	Text         string
}

// Chunker cuts chapter text into fixed-size overlapping windows
type Chunker struct {
	window  int
	overlap int
}

type ChunkerOption func(*Chunker)

// WithWindow sets the window size in runes
func WithWindow(n int) ChunkerOption {
	return func(c *Chunker) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithOverlap sets how many runes consecutive windows share
func WithOverlap(n int) ChunkerOption {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{window: DefaultWindow, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	// the window must always advance
	if c.overlap >= c.window {
		c.overlap = c.window / 4
	}
	return c
}

func (c *Chunker) Window() int  { return c.window }
func (c *Chunker) Overlap() int { return c.overlap }

// ChunkChapters windows every chapter independently. Chunk indexes restart
// at 0 for each chapter; empty chapters produce no chunks.
func (c *Chunker) ChunkChapters(chapters []Chapter) []Chunk {
	var chunks []Chunk
	step := c.window - c.overlap

	for idx, ch := range chapters {
		if ch.Text == "" {
			continue
		}
		runes := []rune(ch.Text)
		n := 0
		for start := 0; start < len(runes); start += step {
			end := min(start+c.window, len(runes))
			chunks = append(chunks, Chunk{
				ChapterIndex: idx,
				ChapterTitle: ch.Title,
				ChunkIndex:   n,
				Text:         string(runes[start:end]),
			})
			n++
			if end == len(runes) {
				break
			}
		}
	}
	return chunks
}

// ChunkChapters windows chapters with the default window and overlap
func ChunkChapters(chapters []Chapter) []Chunk {
	return NewChunker().ChunkChapters(chapters)
}
