package ai

import (
	"context"

	"github.com/dtrovato997/speechanalysis/internal/domain/analysis"
)

type Client interface {
	// Summarize turns a finished analysis into a short natural-language
	// report of what the voice sample suggests about the speaker.
	Summarize(ctx context.Context, a *analysis.Analysis) (string, error)
}
