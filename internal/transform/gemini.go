package transform

// gemini.go provides a REST API client for Gemini image editing. This uses
// direct HTTP calls instead of the genai SDK because the SDK's image output
// support lags behind the REST surface for edit-style requests.

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// geminiBaseURL is the Gemini REST API base URL.
const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultImageModel is the image editing model used unless
// LISTAI_TRANSFORM_MODEL overrides it.
const DefaultImageModel = "gemini-2.5-flash-image"

// ImageModelName returns the configured image editing model.
func ImageModelName() string {
	if m := os.Getenv("LISTAI_TRANSFORM_MODEL"); m != "" {
		return m
	}
	return DefaultImageModel
}

// GeminiEditor calls the Gemini image model via REST API for photo editing.
type GeminiEditor struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewGeminiEditor creates a new client for Gemini image editing.
func NewGeminiEditor(apiKey string) *GeminiEditor {
	return &GeminiEditor{
		apiKey: apiKey,
		model:  ImageModelName(),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Image generation can take 10-30s
		},
	}
}

// --- REST API request/response types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlobData `json:"inlineData,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiBlobData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64 encoded
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// EditResult holds the output of an image editing call.
type EditResult struct {
	// ImageData is the raw bytes of the edited image (JPEG/PNG).
	ImageData []byte
	// ImageMIMEType is the MIME type of the output image.
	ImageMIMEType string
	// Text is any text description returned alongside the image.
	Text string
}

// Edit sends a photo with an instruction to the Gemini image model and
// returns the edited image.
//
// Parameters:
//   - imageData: raw bytes of the input image
//   - imageMIMEType: MIME type of the input image (e.g., "image/jpeg")
//   - instruction: natural language editing instruction
//   - systemInstruction: optional system-level instruction for context
func (c *GeminiEditor) Edit(ctx context.Context, imageData []byte, imageMIMEType string, instruction string, systemInstruction string) (*EditResult, error) {
	startTime := time.Now()
	log.Info().
		Str("model", c.model).
		Int("image_bytes", len(imageData)).
		Str("image_mime", imageMIMEType).
		Msg("Sending image to Gemini for editing")

	req := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	if systemInstruction != "" {
		req.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: systemInstruction}},
		}
	}

	req.Contents = append(req.Contents, geminiContent{
		Role: "user",
		Parts: []geminiPart{
			{
				InlineData: &geminiBlobData{
					MIMEType: imageMIMEType,
					Data:     base64.StdEncoding.EncodeToString(imageData),
				},
			},
			{Text: instruction},
		},
	})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", geminiBaseURL, c.model, c.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", truncateString(string(respBody), 500)).
			Msg("Gemini image editing API returned error")
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncateString(string(respBody), 200))
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if geminiResp.Error != nil {
		return nil, fmt.Errorf("API error: %s (code: %d)", geminiResp.Error.Message, geminiResp.Error.Code)
	}

	result := &EditResult{}
	for _, candidate := range geminiResp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil {
				decoded, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("failed to decode image data: %w", err)
				}
				result.ImageData = decoded
				result.ImageMIMEType = part.InlineData.MIMEType
			}
			if part.Text != "" {
				result.Text += part.Text
			}
		}
	}

	if result.ImageData == nil {
		return nil, fmt.Errorf("no image returned in response (text: %s)", truncateString(result.Text, 200))
	}

	log.Info().
		Int("output_bytes", len(result.ImageData)).
		Str("output_mime", result.ImageMIMEType).
		Dur("duration", time.Since(startTime)).
		Msg("Gemini image editing complete")

	return result, nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
