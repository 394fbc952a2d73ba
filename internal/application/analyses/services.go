package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dtrovato997/speechanalysis/internal/application"
	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
)

// ErrArchiveUnavailable is returned when no archive store is configured.
var ErrArchiveUnavailable = errors.New("archive store not configured")

// Service implements the persistence use-cases around analyses.
// Service is designed to be used concurrently and is thread-safe:
// operations touching a record's file go through a per-id lock, and
// column writes are single SQL statements, so concurrent updates to
// different channels of the same record never overwrite each other.
type Service struct {
	Repo    domain.Repository
	Vault   domain.Vault
	Archive domain.ArchiveStore // nil disables archiving
	Clock   application.Clock
	Log     *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Service) clock() application.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return application.SystemClock{}
}

// lock serializes mutators of one record. Locks are never freed; the
// table is bounded by the number of records on the device.
func (s *Service) lock(id int64) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

//
// ==== USE CASES ====
//

type CreateAnalysisCommand struct {
	Title       string
	Description string
	SourcePath  string
	Tags        []string
}

// CreateAnalysis runs the two-phase create: insert the row pointing at
// the source file, relocate the file into the vault, then commit the
// permanent path. A failed relocation rolls the row back; a failed path
// commit is repaired from the vault layout, which knows the path by id.
func (s *Service) CreateAnalysis(ctx context.Context, cmd CreateAnalysisCommand) (*domain.Analysis, error) {
	title := strings.TrimSpace(cmd.Title)
	if title == "" {
		return nil, domain.ErrEmptyTitle
	}
	info, err := os.Stat(cmd.SourcePath)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSourceMissing, cmd.SourcePath)
	}

	id, err := s.Repo.Insert(ctx, &domain.Analysis{
		Title:         title,
		Description:   strings.TrimSpace(cmd.Description),
		SendStatus:    domain.SendPending,
		RecordingPath: cmd.SourcePath,
		CreationDate:  s.clock().Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert analysis: %w", err)
	}

	unlock := s.lock(id)
	defer unlock()

	permanent, err := s.Vault.Store(ctx, cmd.SourcePath, id)
	if err != nil {
		if derr := s.Repo.Delete(ctx, id); derr != nil {
			s.logger().Error("create rollback failed, row orphaned", "id", id, "err", derr)
		}
		if _, derr := s.Vault.Delete(id); derr != nil {
			s.logger().Warn("create rollback left vault dir", "id", id, "err", derr)
		}
		return nil, fmt.Errorf("store recording: %w", err)
	}

	if err := s.Repo.UpdateRecordingPath(ctx, id, permanent); err != nil {
		// The file is already safe in the vault. Re-derive the path from
		// the layout and retry before giving up.
		if _, rerr := s.reconcileLocked(ctx, id); rerr != nil {
			s.logger().Error("recording path not committed", "id", id, "err", err)
			return nil, fmt.Errorf("commit recording path: %w", err)
		}
	}

	if len(cmd.Tags) > 0 {
		if err := s.Repo.ReplaceTags(ctx, id, normalizeTags(cmd.Tags)); err != nil {
			s.logger().Warn("tags not applied", "id", id, "err", err)
		}
	}
	return s.Repo.Get(ctx, id)
}

// DeleteAnalysis removes the row first; the row is the source of truth.
// Vault cleanup failure leaves an orphaned directory, which is logged
// rather than surfaced, since the delete itself already happened.
func (s *Service) DeleteAnalysis(ctx context.Context, id int64) error {
	unlock := s.lock(id)
	defer unlock()

	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.Vault.Delete(id); err != nil {
		s.logger().Warn("orphaned recording directory", "id", id, "err", err)
	}
	return nil
}

// ApplyPredictions stores one channel's values. The first channel to
// land stamps the completion date; later ones keep it.
func (s *Service) ApplyPredictions(ctx context.Context, id int64, ch domain.Channel, values map[string]float64, completedAt time.Time) error {
	unlock := s.lock(id)
	defer unlock()
	return s.Repo.UpdatePrediction(ctx, id, ch, values, completedAt.UTC())
}

// SetFeedback flips the user's correct/incorrect flag on a channel that
// already has a prediction.
func (s *Service) SetFeedback(ctx context.Context, id int64, ch domain.Channel, correct bool) error {
	return s.Repo.UpdateFeedback(ctx, id, ch, correct)
}

// MarkSent records a successful submission and clears any old error.
func (s *Service) MarkSent(ctx context.Context, id int64) error {
	return s.Repo.UpdateSendStatus(ctx, id, domain.SendSent, "")
}

// MarkError records a failed submission with its reason.
func (s *Service) MarkError(ctx context.Context, id int64, msg string) error {
	return s.Repo.UpdateSendStatus(ctx, id, domain.SendError, msg)
}

// Get returns one record with its tags.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Analysis, error) {
	return s.Repo.Get(ctx, id)
}

// List returns the newest records. Tags are not joined on list reads.
func (s *Service) List(ctx context.Context, limit int) ([]*domain.Analysis, error) {
	return s.Repo.Latest(ctx, limit)
}

// ListPending returns records still waiting for submission, oldest
// first, for the background submitter.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*domain.Analysis, error) {
	return s.Repo.ListBySendStatus(ctx, domain.SendPending, limit)
}

// SetTags replaces the record's tag set.
func (s *Service) SetTags(ctx context.Context, id int64, tags []string) error {
	return s.Repo.ReplaceTags(ctx, id, normalizeTags(tags))
}

// ReconcilePath re-derives the recording path from the vault layout and
// commits it. It also finishes an interrupted create: when the vault has
// no file but the row still points at an existing source file, the file
// is stored now.
func (s *Service) ReconcilePath(ctx context.Context, id int64) (string, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.reconcileLocked(ctx, id)
}

func (s *Service) reconcileLocked(ctx context.Context, id int64) (string, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	path, err := s.Vault.Lookup(id)
	if err != nil {
		return "", err
	}
	if path == "" && a.RecordingPath != "" {
		if _, serr := os.Stat(a.RecordingPath); serr == nil {
			path, err = s.Vault.Store(ctx, a.RecordingPath, id)
			if err != nil {
				return "", fmt.Errorf("re-store recording: %w", err)
			}
			s.logger().Info("finished interrupted recording relocation", "id", id, "path", path)
		}
	}
	if path == a.RecordingPath {
		return path, nil
	}
	if err := s.Repo.UpdateRecordingPath(ctx, id, path); err != nil {
		return "", err
	}
	if path == "" {
		s.logger().Warn("recording missing from vault, path cleared", "id", id)
	} else {
		s.logger().Info("recording path reconciled", "id", id, "path", path)
	}
	return path, nil
}

// ArchiveAnalysis uploads the recording and a results document to the
// archive store and records the recording's URL.
func (s *Service) ArchiveAnalysis(ctx context.Context, id int64) (string, error) {
	if s.Archive == nil {
		return "", ErrArchiveUnavailable
	}
	unlock := s.lock(id)
	defer unlock()

	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.RecordingPath == "" {
		return "", fmt.Errorf("analysis %d has no recording to archive", id)
	}

	key := fmt.Sprintf("analyses/%d/%s", id, filepath.Base(a.RecordingPath))
	audioURL, err := s.Archive.Upload(ctx, a.RecordingPath, key)
	if err != nil {
		return "", fmt.Errorf("archive recording: %w", err)
	}

	doc, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	if _, err := s.Archive.UploadBytes(ctx, doc,
		fmt.Sprintf("analyses/%d/analysis.json", id), "application/json"); err != nil {
		return "", fmt.Errorf("archive results: %w", err)
	}

	if err := s.Repo.UpdateArchiveURL(ctx, id, audioURL); err != nil {
		return "", err
	}
	return audioURL, nil
}

// normalizeTags trims, drops empties and keeps the first occurrence of
// duplicates.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
