// Package transform turns bulk job kinds into concrete per-image edits. Each
// transform fetches the source photo, sends it to the Gemini image model with
// a kind-specific instruction, and stores the result as a new object.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kalamazoo/listai/internal/bulkjob"
)

// Editor edits one image according to a natural language instruction.
// *GeminiEditor is the production implementation.
type Editor interface {
	Edit(ctx context.Context, imageData []byte, imageMIMEType string, instruction string, systemInstruction string) (*EditResult, error)
}

// BlobStore fetches source photos and stores edited outputs.
// s3util.ObjectStore is the production implementation.
type BlobStore interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
	Store(ctx context.Context, name string, data []byte, mimeType string) (url string, err error)
}

// Pipeline composes an Editor with a BlobStore into per-kind transforms
// that bulk jobs can run.
type Pipeline struct {
	editor Editor
	blobs  BlobStore
}

// NewPipeline creates a transform pipeline.
func NewPipeline(editor Editor, blobs BlobStore) *Pipeline {
	return &Pipeline{editor: editor, blobs: blobs}
}

// TransformFunc returns the per-image transform for a kind. The returned
// function fetches the image at its current URL, applies the edit, stores
// the output under a fresh name, and returns the new URL.
func (p *Pipeline) TransformFunc(kind bulkjob.Kind) bulkjob.TransformFunc {
	return func(ctx context.Context, imageURL string) (string, error) {
		instruction, err := InstructionFor(kind)
		if err != nil {
			return "", err
		}

		startTime := time.Now()
		data, mimeType, err := p.blobs.Fetch(ctx, imageURL)
		if err != nil {
			return "", fmt.Errorf("fetch source image: %w", err)
		}

		result, err := p.editor.Edit(ctx, data, mimeType, instruction, transformSystemInstruction)
		if err != nil {
			return "", fmt.Errorf("%s edit: %w", kind, err)
		}

		name := outputName(kind, result.ImageMIMEType)
		newURL, err := p.blobs.Store(ctx, name, result.ImageData, result.ImageMIMEType)
		if err != nil {
			return "", fmt.Errorf("store edited image: %w", err)
		}

		log.Info().
			Str("kind", string(kind)).
			Str("source_url", truncateString(imageURL, 120)).
			Str("output_name", name).
			Dur("duration", time.Since(startTime)).
			Msg("Image transform complete")

		return newURL, nil
	}
}

// outputName mints a unique object name for a transform output, e.g.
// "ghost_mannequin/4f1c...d2.jpg".
func outputName(kind bulkjob.Kind, mimeType string) string {
	ext := ".jpg"
	switch mimeType {
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	}
	return fmt.Sprintf("%s/%s%s", kind, uuid.New().String(), ext)
}
