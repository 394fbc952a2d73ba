package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/dtrovato997/speechanalysis/internal/domain/ai"
	"github.com/dtrovato997/speechanalysis/internal/domain/analysis"
)

type fakeSummarizer struct {
	out string
	err error
	got *analysis.Analysis
}

func (f *fakeSummarizer) Summarize(_ context.Context, a *analysis.Analysis) (string, error) {
	f.got = a
	return f.out, f.err
}

func completedRecord() *analysis.Analysis {
	return &analysis.Analysis{
		ID:    7,
		Title: "take",
		Age:   &analysis.ChannelResult{Values: map[string]float64{"age": 30}},
	}
}

func TestSummarizeDelegates(t *testing.T) {
	fake := &fakeSummarizer{out: "An adult speaker, most likely female."}
	got, err := NewService(fake).Summarize(context.Background(), completedRecord())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != fake.out {
		t.Errorf("summary = %q", got)
	}
	if fake.got == nil || fake.got.ID != 7 {
		t.Errorf("client received %+v", fake.got)
	}
}

func TestSummarizeUnconfigured(t *testing.T) {
	_, err := NewService(nil).Summarize(context.Background(), completedRecord())
	if !errors.Is(err, ai.ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestSummarizeNeedsResults(t *testing.T) {
	fake := &fakeSummarizer{out: "should not be used"}
	_, err := NewService(fake).Summarize(context.Background(), &analysis.Analysis{Title: "pending"})
	if !errors.Is(err, analysis.ErrNoPrediction) {
		t.Fatalf("want ErrNoPrediction, got %v", err)
	}
	if fake.got != nil {
		t.Error("provider should not be called for a record without results")
	}
}

func TestSummarizeQuotaPassThrough(t *testing.T) {
	fake := &fakeSummarizer{err: ai.ErrQuotaExceeded}
	_, err := NewService(fake).Summarize(context.Background(), completedRecord())
	if !errors.Is(err, ai.ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}
}
