package match

// gemini.go implements the Matcher interface over the Gemini API: one
// GenerateContent call per invocation carrying every candidate image url,
// answered with a structured JSON assignment list.

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/kalamazoo/listai/internal/jsonutil"
	"github.com/kalamazoo/listai/internal/metrics"
)

// DefaultModel is the Gemini model used for product matching.
// Override via LISTAI_MATCH_MODEL.
const DefaultModel = "gemini-2.5-flash"

// ModelName resolves the matcher model from the environment.
func ModelName() string {
	if env := os.Getenv("LISTAI_MATCH_MODEL"); env != "" {
		return env
	}
	return DefaultModel
}

// matchSystemInstruction tells the model how to partition product photos.
const matchSystemInstruction = `You are grouping raw product photographs into product listings for a resale marketplace.
Each numbered image shows one physical product from some angle. Images of the same physical product belong in the same group.
Judge by the product itself: shape, color, fabric, print, tags, damage marks. Ignore background and lighting differences.
Respond with ONLY a JSON array of {"media": <image number>, "group": <product group number>} objects.
Group numbers start at 1. Every image you are confident about must appear exactly once. Omit images you cannot place.`

// GeminiMatcher calls Gemini with all candidate images in one request.
type GeminiMatcher struct {
	client *genai.Client
	model  string
}

// NewGeminiMatcher builds a matcher from an API key.
func NewGeminiMatcher(ctx context.Context, apiKey string) (*GeminiMatcher, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return &GeminiMatcher{client: client, model: ModelName()}, nil
}

// Match implements Matcher. The prompt lists every image by number and
// url; the answer is parsed leniently (fences stripped, JSON extracted)
// because the model occasionally wraps its output in prose.
func (m *GeminiMatcher) Match(ctx context.Context, images []Image, targetGroupSize int) ([]Assignment, error) {
	prompt := buildMatchPrompt(images, targetGroupSize)

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: matchSystemInstruction}},
		},
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	start := time.Now()
	resp, err := m.client.Models.GenerateContent(ctx, m.model, contents, config)
	elapsed := time.Since(start)

	rec := metrics.New("ListAI/Match").
		Dimension("Model", m.model).
		Metric("Latency", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Metric("ImageCount", float64(len(images)), metrics.UnitCount)
	defer rec.Flush()

	if err != nil {
		rec.Count("Errors")
		return nil, fmt.Errorf("GenerateContent: %w", err)
	}
	if resp == nil || resp.Text() == "" {
		rec.Count("Errors")
		return nil, fmt.Errorf("empty response from matcher")
	}

	log.Debug().
		Int("response_length", len(resp.Text())).
		Dur("duration", elapsed).
		Msg("Matcher response received")

	assignments, err := jsonutil.ParseJSON[[]Assignment](resp.Text())
	if err != nil {
		rec.Count("Errors")
		return nil, fmt.Errorf("parse matcher response: %w", err)
	}
	return assignments, nil
}

// buildMatchPrompt lists the candidates and the desired group shape.
func buildMatchPrompt(images []Image, targetGroupSize int) string {
	var sb strings.Builder

	sb.WriteString("## Product Matching Task\n\n")
	fmt.Fprintf(&sb, "You are reviewing %d product photos from one upload batch.\n", len(images))
	if targetGroupSize > 0 {
		fmt.Fprintf(&sb, "The seller photographs each product about %d times, so expect groups of roughly that size.\n", targetGroupSize)
	}
	sb.WriteString("\n### Images\n\n")
	for i, img := range images {
		fmt.Fprintf(&sb, "Image %d: %s\n", i+1, img.URL)
	}
	sb.WriteString("\n### Output\n\n")
	sb.WriteString("Respond with ONLY the JSON array as specified in the system instruction. No other text.\n")

	return sb.String()
}
