package ai

import (
	"context"
	"fmt"

	"github.com/dtrovato997/speechanalysis/internal/domain/ai"
	"github.com/dtrovato997/speechanalysis/internal/domain/analysis"
)

type Service struct {
	client ai.Client
}

// NewService wraps the summary provider; a nil client means no API key was
// configured and every call reports ErrNotConfigured.
func NewService(client ai.Client) *Service {
	return &Service{client: client}
}

func (s *Service) Summarize(ctx context.Context, a *analysis.Analysis) (string, error) {
	if s == nil || s.client == nil {
		return "", ai.ErrNotConfigured
	}
	if !a.Completed() {
		return "", fmt.Errorf("nothing to summarize: %w", analysis.ErrNoPrediction)
	}
	return s.client.Summarize(ctx, a)
}
