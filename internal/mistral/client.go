package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"bilbo/internal/models"
)

const (
	DefaultBaseURL    = "https://api.mistral.ai/v1"
	DefaultEmbedModel = "mistral-embed"
	DefaultChatModel  = "mistral-small-latest"
	DefaultTimeout    = 60 * time.Second

	// EmbedBatchSize is the number of texts sent per embeddings request
	EmbedBatchSize = 16
)

// ProviderError is a non-2xx answer from the API, or a 2xx answer whose
// shape could not be used.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mistral API request failed with status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Mistral embeddings and chat completion endpoints.
// It never retries.
type Client struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	client     *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.BaseURL = baseURL
		}
	}
}

func WithModels(embed, chat string) ClientOption {
	return func(c *Client) {
		if embed != "" {
			c.EmbedModel = embed
		}
		if chat != "" {
			c.ChatModel = chat
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRateLimit spaces requests to at most rps per second. Zero disables
// pacing.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		APIKey:     apiKey,
		BaseURL:    DefaultBaseURL,
		EmbedModel: DefaultEmbedModel,
		ChatModel:  DefaultChatModel,
		client:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is set
func (c *Client) Configured() bool {
	return c != nil && c.APIKey != ""
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Embed returns one vector per text, in input order. Texts are sent in
// batches of EmbedBatchSize; an empty input makes no request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += EmbedBatchSize {
		end := min(start+EmbedBatchSize, len(texts))
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var embResp embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Input: texts, Model: c.EmbedModel}, &embResp); err != nil {
		return nil, err
	}

	if len(embResp.Data) != len(texts) {
		return nil, &ProviderError{
			StatusCode: http.StatusOK,
			Body:       fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(embResp.Data)),
		}
	}

	sort.SliceStable(embResp.Data, func(i, j int) bool {
		return embResp.Data[i].Index < embResp.Data[j].Index
	})
	vectors := make([][]float32, len(embResp.Data))
	for i, d := range embResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// complete sends a chat completion and returns the first choice
func (c *Client) complete(ctx context.Context, messages []message) (string, error) {
	var chatResp chatResponse
	if err := c.post(ctx, "/chat/completions", chatRequest{Model: c.ChatModel, Messages: messages}, &chatResp); err != nil {
		return "", err
	}

	if len(chatResp.Choices) == 0 {
		return "", &ProviderError{StatusCode: http.StatusOK, Body: "no completion returned"}
	}

	log.Debug().
		Str("model", c.ChatModel).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Msg("chat completion")

	return chatResp.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, payload, into any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Summarize writes a short French summary of a whole book
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	return c.complete(ctx, []message{
		{Role: "system", Content: bookSummarySystem},
		{Role: "user", Content: bookSummaryPrompt(text)},
	})
}

// ChapterInput is one chapter to summarize
type ChapterInput struct {
	Title *string
	Text  string
}

// SummarizeChapters summarizes chapters one at a time, in order. Blank
// chapters get an empty summary without a request. The first failure
// aborts the whole call.
func (c *Client) SummarizeChapters(ctx context.Context, chapters []ChapterInput) ([]string, error) {
	summaries := make([]string, 0, len(chapters))
	for i, ch := range chapters {
		if isBlank(ch.Text) {
			summaries = append(summaries, "")
			continue
		}
		s, err := c.complete(ctx, []message{
			{Role: "system", Content: chapterSummarySystem},
			{Role: "user", Content: chapterSummaryPrompt(ch.Title, ch.Text)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to summarize chapter %d: %w", i, err)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// ChatAnswer answers the conversation using only the excerpts in
// contextText. Prior messages are sent verbatim after the system prompt.
func (c *Client) ChatAnswer(ctx context.Context, contextText string, prior []models.ChatMessage) (string, error) {
	messages := make([]message, 0, len(prior)+1)
	messages = append(messages, message{Role: "system", Content: ragSystemPrompt(contextText)})
	for _, m := range prior {
		messages = append(messages, message{Role: string(m.Role), Content: m.Content})
	}
	return c.complete(ctx, messages)
}
