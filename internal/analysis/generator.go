package analysis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/family-resemblance/internal/metrics"
)

// Generator performs one model call and returns the raw response text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeminiGenerator calls the Gemini API through the genai SDK.
type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiClient creates a genai client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Gemini client")
	}
	return client, nil
}

// NewGeminiGenerator wraps client. An empty model selects DefaultModelName.
func NewGeminiGenerator(client *genai.Client, model string, temperature float32) *GeminiGenerator {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiGenerator{client: client, model: model, temperature: temperature}
}

// Model returns the configured model ID.
func (g *GeminiGenerator) Model() string { return g.model }

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		},
		Temperature:      genai.Ptr(g.temperature),
		MaxOutputTokens:  maxOutputTokens,
		ResponseMIMEType: "application/json",
		SafetySettings:   relaxedSafety(),
	}

	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.Data != nil {
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: p.MIMEType, Data: p.Data},
			})
			continue
		}
		parts = append(parts, &genai.Part{Text: p.Text})
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	start := time.Now()
	log.Debug().
		Str("model", g.model).
		Int("part_count", len(parts)).
		Msg("Starting Gemini API call for resemblance analysis")
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	elapsed := time.Since(start)

	m := metrics.New().
		Dimension("Operation", "resemblanceAnalysis").
		Metric("GeminiApiLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	if resp != nil && resp.UsageMetadata != nil {
		m.Metric("GeminiInputTokens", float64(resp.UsageMetadata.PromptTokenCount), metrics.UnitCount)
		m.Metric("GeminiOutputTokens", float64(resp.UsageMetadata.CandidatesTokenCount), metrics.UnitCount)
	}
	m.Flush()

	if err != nil {
		log.Warn().Err(err).Dur("duration", elapsed).Msg("Gemini API call failed")
		return "", errors.Wrap(err, "failed to generate content")
	}
	if resp == nil {
		return "", nil
	}

	text := resp.Text()
	log.Debug().
		Dur("duration", elapsed).
		Int("response_length", len(text)).
		Msg("Gemini API call completed")
	return text, nil
}

// relaxedSafety disables blocking for the harm categories; family photos of
// children otherwise trip false positives.
func relaxedSafety() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	out := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockNone})
	}
	return out
}
