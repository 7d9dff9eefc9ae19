package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"media-publish-pipeline/config"
	"media-publish-pipeline/credentials"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/retry"
	"media-publish-pipeline/types"
)

const systemPrompt = "You are a YouTube SEO expert."

// Generator produces publishing metadata from the user's seed text
type Generator interface {
	Generate(ctx context.Context, seed types.Seed, cred credentials.Credential) (types.Metadata, error)
}

// OpenAI calls an OpenAI-compatible chat-completion endpoint
type OpenAI struct {
	cfg        config.MetadataConfig
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// New creates an OpenAI generator. client may be nil.
func New(cfg config.MetadataConfig, client *http.Client) *OpenAI {
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &OpenAI{
		cfg:        cfg,
		baseURL:    base,
		httpClient: client,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Limiter:     retry.NewLimiter(cfg.Retry.RatePerSec, cfg.Retry.Burst),
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate asks the model for title, description and tags
func (o *OpenAI) Generate(ctx context.Context, seed types.Seed, cred credentials.Credential) (types.Metadata, error) {
	if err := ValidateSeed(seed); err != nil {
		return types.Metadata{}, err
	}
	if cred.Value == "" {
		return types.Metadata{}, pipeerr.New(pipeerr.ConfigurationMissing, "metadata", "text-generation key is not set")
	}

	l := logx.FromCtx(ctx)
	l.Info().Str("model", o.cfg.Model).Msg("generating SEO metadata")

	md, err := retry.Do(ctx, o.policy, "metadata.generate", func(ctx context.Context) (types.Metadata, error) {
		return o.once(ctx, seed, cred.Value)
	})
	if err != nil {
		return types.Metadata{}, err
	}
	md.Title = truncate(md.Title, o.cfg.TitleMaxChars)
	md.Source = types.MetadataSourceAI

	l.Info().Str("title", md.Title).Int("tags", len(md.TagList())).Msg("✅ metadata ready")
	return md, nil
}

func (o *OpenAI) once(ctx context.Context, seed types.Seed, apiKey string) (types.Metadata, error) {
	const op = "metadata.generate"

	payload := chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(seed)},
		},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return types.Metadata{}, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", &buf)
	if err != nil {
		return types.Metadata{}, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return types.Metadata{}, classifyTransport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.Metadata{}, pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return types.Metadata{}, pipeerr.Newf(pipeerr.UpstreamFatal, op,
			"text-generation API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return types.Metadata{}, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "parse response")
	}
	if len(out.Choices) == 0 {
		return types.Metadata{}, pipeerr.New(pipeerr.UpstreamFatal, op, "text-generation API returned no choices")
	}
	md := ParseResponse(out.Choices[0].Message.Content)
	if md.Title == "" {
		return types.Metadata{}, pipeerr.New(pipeerr.UpstreamFatal, op, "no TITLE: line in the model's response")
	}
	return md, nil
}

func buildPrompt(seed types.Seed) string {
	var sb strings.Builder
	sb.WriteString("Create YouTube SEO content based on this video information:\n\n")
	sb.WriteString(fmt.Sprintf("Video Title: %s\n", seed.Title))
	sb.WriteString(fmt.Sprintf("Video Description: %s\n\n", seed.Description))
	sb.WriteString("Please provide:\n")
	sb.WriteString("1. A catchy, SEO-optimized title (max 70 characters)\n")
	sb.WriteString("2. A detailed description with relevant keywords (300-500 chars)\n")
	sb.WriteString("3. Ten relevant hashtags/tags (comma-separated)\n\n")
	sb.WriteString("Format your response exactly as:\n")
	sb.WriteString("TITLE: [your title]\n")
	sb.WriteString("DESCRIPTION: [your description]\n")
	sb.WriteString("TAGS: [tag1], [tag2], [tag3], ...")
	return sb.String()
}

// ValidateSeed requires a working title.
func ValidateSeed(seed types.Seed) error {
	if strings.TrimSpace(seed.Title) == "" {
		return pipeerr.New(pipeerr.ValidationFailed, "metadata", "enter a video title first")
	}
	return nil
}

// Fallback is the offline template used when no text-generation key is configured
func Fallback(seed types.Seed) types.Metadata {
	return types.Metadata{
		Title:       "SEO-Optimized: " + seed.Title,
		Description: fmt.Sprintf("Auto-generated description for %s. %s", seed.Title, seed.Description),
		Tags:        "video, content, youtube",
		Source:      types.MetadataSourceFallback,
	}
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "request cancelled")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "text-generation API timed out")
	}
	return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "text-generation API unreachable")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
