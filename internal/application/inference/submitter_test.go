package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/domain/inference"
	"github.com/dtrovato997/speechanalysis/internal/infra/db/sqlite"
	"github.com/dtrovato997/speechanalysis/internal/infra/storage"
)

var sweepTime = time.Date(2025, 4, 12, 9, 30, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakeEngine records every call; pred overrides the default full result.
type fakeEngine struct {
	mu    sync.Mutex
	calls int
	paths []string
	err   error
	pred  *inference.Prediction
}

func (f *fakeEngine) PredictAll(_ context.Context, path string) (*inference.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	if f.pred != nil {
		return f.pred, nil
	}
	return fullPrediction(), nil
}

func (f *fakeEngine) Healthy(context.Context) error { return f.err }

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fullPrediction() *inference.Prediction {
	return &inference.Prediction{
		Age:         map[string]float64{"age": 31.0},
		Gender:      map[string]float64{"female": 0.7, "male": 0.25, "child": 0.05},
		Nationality: map[string]float64{"ita": 0.6, "spa": 0.3},
		Emotion:     map[string]float64{"neutral": 0.8, "happy": 0.2},
	}
}

func newTestSubmitter(t *testing.T) (*Submitter, *analyses.Service, *fakeEngine) {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vault, err := storage.NewFileVault(filepath.Join(t.TempDir(), "vault"), "")
	if err != nil {
		t.Fatal(err)
	}
	svc := &analyses.Service{
		Repo:  sqlite.NewAnalysisRepository(db),
		Vault: vault,
		Clock: fixedClock{sweepTime},
	}
	eng := &fakeEngine{}
	sub := &Submitter{
		Analyses: svc,
		Engine:   eng,
		Clock:    fixedClock{sweepTime},
	}
	return sub, svc, eng
}

func createPending(t *testing.T, svc *analyses.Service, title string) *domain.Analysis {
	t.Helper()
	src := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(src, []byte("RIFF test"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := svc.CreateAnalysis(context.Background(), analyses.CreateAnalysisCommand{Title: title, SourcePath: src})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestSweepSubmitsPending(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	first := createPending(t, svc, "first")
	second := createPending(t, svc, "second")

	sub.sweep(ctx)

	if eng.callCount() != 2 {
		t.Fatalf("engine calls = %d, want 2", eng.callCount())
	}
	for _, p := range eng.paths {
		if !strings.Contains(p, "recording_") {
			t.Errorf("engine should read the vault copy, got %q", p)
		}
	}
	for _, id := range []int64{first.ID, second.ID} {
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.SendStatus != domain.SendSent {
			t.Errorf("record %d status = %v, want sent", id, got.SendStatus)
		}
		for _, ch := range domain.Channels() {
			if got.Result(ch) == nil {
				t.Errorf("record %d missing %s result", id, ch)
			}
		}
		if got.CompletionDate == nil || !got.CompletionDate.Equal(sweepTime) {
			t.Errorf("record %d completion = %v, want %v", id, got.CompletionDate, sweepTime)
		}
	}
}

func TestSweepMarksEngineFailure(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	a := createPending(t, svc, "doomed")
	eng.err = errors.New("backend exploded")

	sub.sweep(ctx)

	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SendStatus != domain.SendError {
		t.Fatalf("status = %v, want error", got.SendStatus)
	}
	if !strings.Contains(got.ErrorMessage, "backend exploded") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}

	// Errored records leave the pending queue; the next sweep must not
	// hammer the backend with the same record.
	eng.err = nil
	sub.sweep(ctx)
	if eng.callCount() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.callCount())
	}
}

func TestSubmitNowRetriesErrored(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	a := createPending(t, svc, "retry me")
	eng.err = errors.New("transient")
	sub.sweep(ctx)

	eng.err = nil
	if err := sub.SubmitNow(ctx, a.ID); err != nil {
		t.Fatalf("SubmitNow: %v", err)
	}
	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SendStatus != domain.SendSent {
		t.Errorf("status = %v, want sent", got.SendStatus)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message should be cleared, got %q", got.ErrorMessage)
	}
}

func TestSubmitNowMissingRecord(t *testing.T) {
	sub, _, _ := newTestSubmitter(t)
	if err := sub.SubmitNow(context.Background(), 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSweepDefersWhenThrottled(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	sub.BatchSize = 2
	for _, title := range []string{"one", "two", "three"} {
		createPending(t, svc, title)
	}

	sub.sweep(ctx)
	sub.sweep(ctx)

	if eng.callCount() != 2 {
		t.Fatalf("engine calls = %d, want 2 (throttled)", eng.callCount())
	}
	left, err := svc.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Errorf("pending after throttle = %d, want 1", len(left))
	}
}

func TestSubmitNowThrottled(t *testing.T) {
	ctx := context.Background()
	sub, svc, _ := newTestSubmitter(t)
	sub.BatchSize = 1
	a := createPending(t, svc, "burst")

	if err := sub.SubmitNow(ctx, a.ID); err != nil {
		t.Fatalf("first SubmitNow: %v", err)
	}
	if err := sub.SubmitNow(ctx, a.ID); !errors.Is(err, ErrThrottled) {
		t.Fatalf("want ErrThrottled, got %v", err)
	}

	// A throttled call must not touch the record.
	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SendStatus != domain.SendSent || got.ErrorMessage != "" {
		t.Errorf("throttled call altered record: status %v, msg %q", got.SendStatus, got.ErrorMessage)
	}
}

func TestSweepMarksPathlessRecord(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	id, err := svc.Repo.Insert(ctx, &domain.Analysis{Title: "ghost", CreationDate: sweepTime})
	if err != nil {
		t.Fatal(err)
	}

	sub.sweep(ctx)

	if eng.callCount() != 0 {
		t.Errorf("engine should not be called without a recording, calls = %d", eng.callCount())
	}
	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.SendStatus != domain.SendError || !strings.Contains(got.ErrorMessage, "no recording on file") {
		t.Errorf("status %v, msg %q", got.SendStatus, got.ErrorMessage)
	}
}

func TestSubmitEmptyPrediction(t *testing.T) {
	ctx := context.Background()
	sub, svc, eng := newTestSubmitter(t)
	a := createPending(t, svc, "silent backend")
	eng.pred = &inference.Prediction{}

	err := sub.SubmitNow(ctx, a.ID)
	if err == nil || !strings.Contains(err.Error(), "no predictions") {
		t.Fatalf("want no-predictions error, got %v", err)
	}
	got, gerr := svc.Get(ctx, a.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.SendStatus != domain.SendError {
		t.Errorf("status = %v, want error", got.SendStatus)
	}
}

func TestRunSweepsOnStartup(t *testing.T) {
	sub, svc, _ := newTestSubmitter(t)
	sub.Interval = 10 * time.Millisecond
	a := createPending(t, svc, "queued before start")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.Get(context.Background(), a.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.SendStatus == domain.SendSent {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	got, err := svc.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SendStatus != domain.SendSent {
		t.Fatalf("record never submitted, status = %v", got.SendStatus)
	}
}
