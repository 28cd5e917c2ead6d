// Package caption builds the per-image prompt the Captioning pipeline's
// Worker passes to its engine, honoring the configured CaptionHandlingMode
// (spec §4.2): Overwrite ignores any prior caption, Append asks for new
// detail alongside it, Refine asks the engine to revise it in place.
package caption

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// CaptionReader looks up the current caption for an image, if any.
type CaptionReader interface {
	GetCaption(ctx context.Context, imageID int64) (*model.CaptionResult, error)
}

const basePrompt = "Describe this image in a single detailed sentence."

// PromptBuilder implements pkg/queue's PromptBuilder, reading the prior
// caption (if any) to compose Append/Refine prompts.
type PromptBuilder struct {
	store CaptionReader
	mode  model.CaptionHandlingMode
}

// New constructs a PromptBuilder for the configured handling mode.
func New(store CaptionReader, mode model.CaptionHandlingMode) *PromptBuilder {
	if !mode.IsValid() {
		mode = model.CaptionOverwrite
	}
	return &PromptBuilder{store: store, mode: mode}
}

// BuildPrompt returns the prompt to send for imageID.
func (b *PromptBuilder) BuildPrompt(ctx context.Context, imageID int64) (string, error) {
	if b.mode == model.CaptionOverwrite {
		return basePrompt, nil
	}

	existing, err := b.store.GetCaption(ctx, imageID)
	if err != nil {
		return "", err
	}
	if existing == nil || existing.Text == "" {
		return basePrompt, nil
	}

	switch b.mode {
	case model.CaptionAppend:
		return fmt.Sprintf(
			"An earlier caption for this image reads: %q. Add any additional detail it missed in one more sentence.",
			existing.Text,
		), nil
	case model.CaptionRefine:
		return fmt.Sprintf(
			"An earlier caption for this image reads: %q. Rewrite it as a single, more accurate and detailed sentence.",
			existing.Text,
		), nil
	default:
		return basePrompt, nil
	}
}
